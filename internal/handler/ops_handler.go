package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"ragbot-go/internal/config"
	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/token"
)

// OpsHandler 负责处理运维面板的 API 请求：登录、任务队列管理与机器人设置。
type OpsHandler struct {
	jobRepo     repository.JobRepository
	settingRepo repository.SettingRepository
	jwtManager  *token.JWTManager
	opsCfg      config.OpsConfig
	logger      *log.Logger
}

// NewOpsHandler 创建一个新的 OpsHandler 实例。
func NewOpsHandler(jobRepo repository.JobRepository, settingRepo repository.SettingRepository, jwtManager *token.JWTManager, opsCfg config.OpsConfig, logger *log.Logger) *OpsHandler {
	return &OpsHandler{
		jobRepo:     jobRepo,
		settingRepo: settingRepo,
		jwtManager:  jwtManager,
		opsCfg:      opsCfg,
		logger:      logger,
	}
}

// LoginRequest 定义了运维登录 API 的请求体结构。
type LoginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理运维登录请求，校验口令并签发 JWT。
func (h *OpsHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.opsCfg.OperatorPasswordHash), []byte(req.Password)); err != nil {
		h.logger.Warnf("[Ops] 登录失败, operator: %s", req.Operator)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "操作员或口令错误"})
		return
	}

	tokenString, err := h.jwtManager.GenerateToken(req.Operator)
	if err != nil {
		h.logger.Error("Login: failed to generate token", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":  http.StatusOK,
		"token": tokenString,
	})
}

// ListJobs 按状态查询任务队列（status 为空时返回全部）。
func (h *OpsHandler) ListJobs(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !validJobStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务状态"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := h.jobRepo.ListByStatus(status, limit)
	if err != nil {
		h.logger.Error("ListJobs: failed to list jobs", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": jobs,
	})
}

// RequeueJob 将一条失败或滞留的任务重置为待处理。
func (h *OpsHandler) RequeueJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务 ID"})
		return
	}

	if err := h.jobRepo.Requeue(uint(id)); err != nil {
		h.logger.Error("RequeueJob: failed to requeue", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重新入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "任务已重新入队",
	})
}

// PurgeJobs 按状态批量删除任务。
func (h *OpsHandler) PurgeJobs(c *gin.Context) {
	status := c.Query("status")
	if !validJobStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务状态"})
		return
	}

	deleted, err := h.jobRepo.PurgeByStatus(status)
	if err != nil {
		h.logger.Error("PurgeJobs: failed to purge", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清理任务失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "清理完成",
		"data":    gin.H{"deleted": deleted},
	})
}

// GetSettings 返回 settings 表中的全部键值对。
func (h *OpsHandler) GetSettings(c *gin.Context) {
	rows, err := h.settingRepo.All()
	if err != nil {
		h.logger.Error("GetSettings: failed to load settings", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取设置失败"})
		return
	}

	data := make(map[string]string, len(rows))
	for _, row := range rows {
		data[row.Key] = row.Value
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": data,
	})
}

// PutSettingRequest 定义了设置写入 API 的请求体结构。
type PutSettingRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

// PutSetting 写入一条设置，仅允许已枚举的键。
// 写入对正在进行的会话轮次不生效，下一条消息的快照才会读到新值。
func (h *OpsHandler) PutSetting(c *gin.Context) {
	var req PutSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	if !model.ValidSettingKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的设置键: " + req.Key})
		return
	}

	if err := h.settingRepo.Upsert(req.Key, req.Value); err != nil {
		h.logger.Error("PutSetting: failed to upsert setting", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存设置失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "设置已保存",
	})
}

func validJobStatus(status string) bool {
	switch status {
	case model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed:
		return true
	}
	return false
}
