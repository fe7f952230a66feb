package usecase

import "strings"

// Localizer resolves a translation key into user-facing text. Strings
// the orchestrator speaks or shows go through it, so deployments can
// swap languages without touching conversation logic.
type Localizer func(key string) string

// Translation keys for strings the orchestrator surfaces to users.
const (
	MsgBackendTrouble = "backend_trouble"
	MsgEmptyAnswer    = "empty_answer"
	MsgMicDenied      = "mic_denied"
	MsgMicUnavailable = "mic_unavailable"
)

var translations = map[string]map[string]string{
	"vi": {
		MsgBackendTrouble: "Xin lỗi, tôi đang gặp chút trục trặc. Bạn thử lại nhé!",
		MsgEmptyAnswer:    "Xin lỗi, tôi chưa nghĩ ra câu trả lời. Bạn hỏi lại giúp tôi nhé!",
		MsgMicDenied:      "Tôi không truy cập được micro. Bạn kiểm tra quyền truy cập micro nhé!",
		MsgMicUnavailable: "Tôi không nghe thấy gì từ micro. Bạn kiểm tra thiết bị thu âm nhé!",
	},
	"en": {
		MsgBackendTrouble: "Sorry, I ran into a problem. Please try again!",
		MsgEmptyAnswer:    "Sorry, I could not come up with an answer. Please ask again!",
		MsgMicDenied:      "I cannot access the microphone. Please check the microphone permission!",
		MsgMicUnavailable: "I cannot hear anything from the microphone. Please check your recording device!",
	},
}

// DefaultLocalizer returns the built-in table for the language's primary
// subtag, falling back to Vietnamese, then to the key itself.
func DefaultLocalizer(language string) Localizer {
	primary := strings.ToLower(language)
	if i := strings.IndexAny(primary, "-_"); i > 0 {
		primary = primary[:i]
	}
	table, ok := translations[primary]
	if !ok {
		table = translations["vi"]
	}
	return func(key string) string {
		if text, ok := table[key]; ok {
			return text
		}
		if text, ok := translations["vi"][key]; ok {
			return text
		}
		return key
	}
}
