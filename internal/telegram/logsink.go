package telegram

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSink writes deliveries to the log instead of a chat. The CLI and
// deployments without a bot token use it.
type LogSink struct{}

func (LogSink) SendText(ctx context.Context, chatID int64, text string) error {
	log.Info().Int64("userId", chatID).Str("text", text).Msg("Message")
	return nil
}

func (LogSink) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	log.Info().Int64("userId", chatID).Str("path", path).Str("caption", caption).Msg("Photo delivered")
	return nil
}

func (LogSink) SendVideo(ctx context.Context, chatID int64, path, caption string) error {
	log.Info().Int64("userId", chatID).Str("path", path).Str("caption", caption).Msg("Video delivered")
	return nil
}

// PassthroughFiles treats file references as URLs already.
type PassthroughFiles struct{}

func (PassthroughFiles) FileURL(ctx context.Context, ref string) (string, error) {
	return ref, nil
}
