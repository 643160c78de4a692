package model

import "testing"

func TestBotSettingsFromRows(t *testing.T) {
	defaults := BotSettings{Model: "default-model", BotMention: "@bot", ChunkSize: 200, ChunkOverlap: 20}
	rows := []Setting{
		{Key: SettingSystemPrompt, Value: "你是助手"},
		{Key: SettingModel, Value: "gpt-x"},
		{Key: SettingGroupQuestions, Value: `["q1","q2"]`},
		{Key: SettingDMQuestions, Value: `["d1"]`},
		{Key: SettingChunkSize, Value: "300"},
		{Key: "unknown_key", Value: "ignored"},
	}

	s := BotSettingsFromRows(rows, defaults)
	if s.SystemPrompt != "你是助手" || s.Model != "gpt-x" {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if len(s.GroupQuestions) != 2 || s.GroupQuestions[1] != "q2" {
		t.Errorf("group questions not parsed: %v", s.GroupQuestions)
	}
	if len(s.DMQuestions) != 1 {
		t.Errorf("dm questions not parsed: %v", s.DMQuestions)
	}
	if s.ChunkSize != 300 {
		t.Errorf("chunk size not parsed: %d", s.ChunkSize)
	}
	// 未出现的键保持默认
	if s.BotMention != "@bot" || s.ChunkOverlap != 20 {
		t.Errorf("defaults lost: %+v", s)
	}
}

func TestBotSettingsInvalidValuesKeepDefaults(t *testing.T) {
	defaults := BotSettings{ChunkSize: 200, ChunkOverlap: 20, GroupQuestions: []string{"默认问题"}}
	rows := []Setting{
		{Key: SettingChunkSize, Value: "not-a-number"},
		{Key: SettingChunkOverlap, Value: "-5"},
		{Key: SettingGroupQuestions, Value: "not json"},
	}
	s := BotSettingsFromRows(rows, defaults)
	if s.ChunkSize != 200 || s.ChunkOverlap != 20 {
		t.Errorf("invalid numbers must keep defaults: %+v", s)
	}
	if len(s.GroupQuestions) != 1 || s.GroupQuestions[0] != "默认问题" {
		t.Errorf("invalid question list must keep defaults: %v", s.GroupQuestions)
	}
}

func TestValidSettingKey(t *testing.T) {
	for _, key := range []string{
		SettingSystemPrompt, SettingModel, SettingGroupQuestions,
		SettingDMQuestions, SettingBotMention, SettingChunkSize, SettingChunkOverlap,
	} {
		if !ValidSettingKey(key) {
			t.Errorf("key %q must be valid", key)
		}
	}
	if ValidSettingKey("random") {
		t.Error("unknown key must be invalid")
	}
}
