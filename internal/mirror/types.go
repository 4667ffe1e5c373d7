package mirror

import (
	"context"
	"errors"

	"github.com/memohai/imagemirror/internal/media"
)

var (
	// ErrNotFound is returned by a Bus when the addressed channel or message
	// does not exist (or no longer exists).
	ErrNotFound = errors.New("bus target not found")
	// ErrTargetUnavailable marks an event abandoned because the target
	// channel could not be resolved.
	ErrTargetUnavailable = errors.New("target channel unavailable")
)

// Attachment describes one file attached to an origin message.
type Attachment struct {
	URL         string
	ContentType string
	Filename    string
}

// Embed carries the image-bearing fields of a rich embed.
type Embed struct {
	Type         string
	URL          string
	ImageURL     string
	ThumbnailURL string
}

// OriginMessage is a snapshot of a source-channel message as observed for one
// event. Partial is set when the bus delivered an incomplete payload that has
// to be re-fetched before use.
type OriginMessage struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Attachments []Attachment
	Embeds      []Embed
	Partial     bool
}

// Outbound is a message to post into the target channel.
type Outbound struct {
	Content string
	Files   []media.Asset
}

// Bus is the chat platform as seen by the engine.
type Bus interface {
	SelfID() string
	FetchChannel(ctx context.Context, channelID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (OriginMessage, error)
	Send(ctx context.Context, channelID string, msg Outbound) (string, error)
	Edit(ctx context.Context, channelID, messageID, content string) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// Fetcher downloads candidate images.
type Fetcher interface {
	FetchAll(ctx context.Context, candidates []media.Candidate) []media.Asset
}
