package action

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rayonlabs/squad-api/internal/domain"
)

const maxMediaIDs = 4

// shape is the validated view of an ActionRequest. Rune length of Text is
// checked separately against the configured limit.
type shape struct {
	Kind      string   `validate:"oneof=post media follow like retweet quote"`
	Text      string   `validate:"required_if=Kind post,required_if=Kind quote"`
	TargetID  string   `validate:"required_if=Kind follow,required_if=Kind like,required_if=Kind retweet,required_if=Kind quote,omitempty,max=64,alphanum"`
	InReplyTo string   `validate:"omitempty,max=64,alphanum"`
	MediaIDs  []string `validate:"max=4,dive,required,max=64,alphanum"`
}

func newShape(req domain.ActionRequest) shape {
	return shape{
		Kind:      string(req.Kind),
		Text:      req.Text,
		TargetID:  strings.TrimSpace(req.TargetID),
		InReplyTo: strings.TrimSpace(req.InReplyTo),
		MediaIDs:  req.MediaIDs,
	}
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldName(fe.StructField())
		switch fe.Tag() {
		case "required", "required_if":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s", field, fe.Param()))
		case "alphanum":
			parts = append(parts, field+" must be an id")
		case "oneof":
			parts = append(parts, fmt.Sprintf("unknown action %q", fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func fieldName(structField string) string {
	switch structField {
	case "TargetID":
		return "target id"
	case "InReplyTo":
		return "in_reply_to"
	case "MediaIDs":
		return "media_ids"
	default:
		return strings.ToLower(structField)
	}
}
