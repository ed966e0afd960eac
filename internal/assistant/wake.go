package assistant

import (
	"fmt"
	"strings"
	"unicode"
)

const labIntroduction = "这里是智能语音实验室，我们研究语音识别、声纹识别和语音合成技术，欢迎参观。"

// DefaultWakePhrases covers the homophone spellings the recognizer produces
// for the wake word.
var DefaultWakePhrases = []string{
	"你好鲲鹏",
	"你好昆鹏",
	"你好坤鹏",
	"您好鲲鹏",
	"您好昆鹏",
	"您好坤鹏",
	"哈喽鲲鹏",
	"嗨鲲鹏",
}

// normalizeTranscript drops punctuation, symbols and whitespace and folds
// case so phrase matching sees only the spoken characters.
func normalizeTranscript(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// containsWakePhrase reports whether the normalized transcript contains any
// of the configured phrases.
func containsWakePhrase(text string, phrases []string) bool {
	normalized := normalizeTranscript(text)
	if normalized == "" {
		return false
	}
	for _, p := range phrases {
		if p != "" && strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

// command is one recognized voice command.
type command int

const (
	commandNone command = iota
	commandOpenDoor
	commandIntroduceLab
)

// matchCommand maps a transcript to the command it carries, if any.
func matchCommand(text string) command {
	normalized := normalizeTranscript(text)
	switch {
	case strings.Contains(normalized, "开门"):
		return commandOpenDoor
	case strings.Contains(normalized, "介绍") && strings.Contains(normalized, "实验室"):
		return commandIntroduceLab
	case strings.Contains(normalized, "实验室介绍"):
		return commandIntroduceLab
	}
	return commandNone
}

// commandReply builds the spoken response for a recognized command;
// unrecognized commands get no reply.
func commandReply(cmd command, name string) string {
	switch cmd {
	case commandOpenDoor:
		if name != "" {
			return fmt.Sprintf("好的%s，正在为您开门", name)
		}
		return "好的，正在为您开门"
	case commandIntroduceLab:
		return labIntroduction
	}
	return ""
}
