package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imagemirror/internal/media"
)

const (
	sourceChannel = "S"
	targetChannel = "T"
	botID         = "bot"
)

type sentMessage struct {
	ChannelID string
	Content   string
	Files     []string
}

type fakeBus struct {
	mu         sync.Mutex
	nextID     int
	sent       []sentMessage
	edits      []string
	deletes    []string
	messages   map[string]OriginMessage
	channelErr error
	sendErr    error
	editErr    error
	deleteErr  error
}

func newFakeBus() *fakeBus {
	return &fakeBus{messages: map[string]OriginMessage{}}
}

func (b *fakeBus) SelfID() string { return botID }

func (b *fakeBus) FetchChannel(_ context.Context, channelID string) error {
	if b.channelErr != nil {
		return b.channelErr
	}
	if channelID != targetChannel {
		return ErrNotFound
	}
	return nil
}

func (b *fakeBus) FetchMessage(_ context.Context, _, messageID string) (OriginMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.messages[messageID]
	if !ok {
		return OriginMessage{}, ErrNotFound
	}
	return msg, nil
}

func (b *fakeBus) Send(_ context.Context, channelID string, msg Outbound) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.nextID++
	names := make([]string, 0, len(msg.Files))
	for _, f := range msg.Files {
		names = append(names, f.Name)
	}
	b.sent = append(b.sent, sentMessage{ChannelID: channelID, Content: msg.Content, Files: names})
	return fmt.Sprintf("m%d", b.nextID), nil
}

func (b *fakeBus) Edit(_ context.Context, _, messageID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.editErr != nil {
		return b.editErr
	}
	b.edits = append(b.edits, messageID+":"+content)
	return nil
}

func (b *fakeBus) Delete(_ context.Context, _, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, messageID)
	return b.deleteErr
}

// fakeFetcher returns one asset per candidate whose URL is not listed in fail.
type fakeFetcher struct {
	fail  map[string]bool
	calls int
}

func (f *fakeFetcher) FetchAll(_ context.Context, candidates []media.Candidate) []media.Asset {
	f.calls++
	var out []media.Asset
	for _, c := range candidates {
		if f.fail[c.URL] {
			continue
		}
		name := c.Name
		if name == "" {
			name = media.DeriveFilename(c.URL, "")
		}
		out = append(out, media.Asset{Name: media.SanitizeFilename(name), Data: []byte("x"), SourceURL: c.URL})
	}
	return out
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeBus, *fakeFetcher) {
	t.Helper()
	if opts.SourceChannelIDs == nil {
		opts.SourceChannelIDs = []string{sourceChannel}
	}
	if opts.TargetChannelID == "" {
		opts.TargetChannelID = targetChannel
	}
	bus := newFakeBus()
	fetcher := &fakeFetcher{fail: map[string]bool{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(log, bus, fetcher, NewLedger(), opts), bus, fetcher
}

func catMessage() OriginMessage {
	return OriginMessage{
		ID:         "o1",
		ChannelID:  sourceChannel,
		AuthorID:   "u1",
		AuthorName: "alice#0001",
		Attachments: []Attachment{
			{URL: "https://cdn.example.com/cat.png", ContentType: "image/png", Filename: "cat.png"},
		},
	}
}

func TestCreateEditDeleteScenario(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	require.Len(t, bus.sent, 1)
	assert.Equal(t, sentMessage{ChannelID: targetChannel, Content: "**alice#0001** from <#S>", Files: []string{"cat.png"}}, bus.sent[0])
	entry, ok := engine.Ledger().Lookup("o1")
	require.True(t, ok)
	assert.Equal(t, "m1", entry.MirrorID)

	require.NoError(t, engine.HandleUpdate(ctx, catMessage()))
	assert.Equal(t, []string{"m1"}, bus.deletes)
	require.Len(t, bus.sent, 2)
	assert.Equal(t, "**alice#0001** from <#S> (edited)", bus.sent[1].Content)
	entry, ok = engine.Ledger().Lookup("o1")
	require.True(t, ok)
	assert.Equal(t, "m2", entry.MirrorID)

	require.NoError(t, engine.HandleDelete(ctx, sourceChannel, "o1"))
	assert.Equal(t, []string{"m1", "m2"}, bus.deletes)
	_, ok = engine.Ledger().Lookup("o1")
	assert.False(t, ok)

	require.NoError(t, engine.HandleDelete(ctx, sourceChannel, "o1"))
	assert.Equal(t, []string{"m1", "m2"}, bus.deletes)
	assert.Len(t, bus.sent, 2)

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Replaced)
	assert.Equal(t, int64(1), stats.Deleted)
}

func TestCreateIgnoresForeignChannelsAndSelf(t *testing.T) {
	t.Parallel()
	engine, bus, fetcher := newTestEngine(t, Options{})
	ctx := context.Background()

	foreign := catMessage()
	foreign.ChannelID = "other"
	require.NoError(t, engine.HandleCreate(ctx, foreign))
	require.NoError(t, engine.HandleUpdate(ctx, foreign))

	own := catMessage()
	own.AuthorID = botID
	require.NoError(t, engine.HandleCreate(ctx, own))

	assert.Empty(t, bus.sent)
	assert.Empty(t, bus.deletes)
	assert.Empty(t, bus.edits)
	assert.Zero(t, fetcher.calls)
	assert.Zero(t, engine.Ledger().Len())
}

func TestCreateWithoutImagesIsNoOp(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})

	msg := catMessage()
	msg.Attachments = []Attachment{{URL: "https://cdn/notes.txt", ContentType: "text/plain", Filename: "notes.txt"}}
	msg.Embeds = []Embed{{Type: "link", URL: "https://example.com"}}
	require.NoError(t, engine.HandleCreate(context.Background(), msg))

	assert.Empty(t, bus.sent)
	assert.Zero(t, engine.Ledger().Len())
}

func TestCreateFallsBackToLinks(t *testing.T) {
	t.Parallel()
	engine, bus, fetcher := newTestEngine(t, Options{})

	msg := catMessage()
	msg.Embeds = []Embed{{ImageURL: "https://img.example.com/dog.jpg"}}
	fetcher.fail["https://cdn.example.com/cat.png"] = true
	fetcher.fail["https://img.example.com/dog.jpg"] = true
	require.NoError(t, engine.HandleCreate(context.Background(), msg))

	require.Len(t, bus.sent, 1)
	assert.Equal(t, "**alice#0001** from <#S>\nhttps://cdn.example.com/cat.png\nhttps://img.example.com/dog.jpg", bus.sent[0].Content)
	assert.Empty(t, bus.sent[0].Files)
	_, ok := engine.Ledger().Lookup("o1")
	assert.True(t, ok)
}

func TestCreateKeepsSurvivingAssets(t *testing.T) {
	t.Parallel()
	engine, bus, fetcher := newTestEngine(t, Options{})

	msg := catMessage()
	msg.Embeds = []Embed{{ImageURL: "https://img.example.com/huge.jpg"}}
	fetcher.fail["https://img.example.com/huge.jpg"] = true
	require.NoError(t, engine.HandleCreate(context.Background(), msg))

	require.Len(t, bus.sent, 1)
	assert.Equal(t, "**alice#0001** from <#S>", bus.sent[0].Content)
	assert.Equal(t, []string{"cat.png"}, bus.sent[0].Files)
}

func TestUpdateRemovingImagesDeletesMirror(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	edited := catMessage()
	edited.Attachments = nil
	require.NoError(t, engine.HandleUpdate(ctx, edited))

	assert.Len(t, bus.sent, 1)
	assert.Equal(t, []string{"m1"}, bus.deletes)
	assert.Zero(t, engine.Ledger().Len())
}

func TestUpdateWithoutMirrorCreatesEditedMirror(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})

	require.NoError(t, engine.HandleUpdate(context.Background(), catMessage()))

	require.Len(t, bus.sent, 1)
	assert.Equal(t, "**alice#0001** from <#S> (edited)", bus.sent[0].Content)
	assert.Empty(t, bus.deletes)
	entry, ok := engine.Ledger().Lookup("o1")
	require.True(t, ok)
	assert.Equal(t, "m1", entry.MirrorID)
}

func TestUpdateWithoutImagesOrMirrorIsNoOp(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})

	msg := catMessage()
	msg.Attachments = nil
	require.NoError(t, engine.HandleUpdate(context.Background(), msg))

	assert.Empty(t, bus.sent)
	assert.Empty(t, bus.deletes)
}

func TestUpdateResolvesPartialMessage(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	bus.messages["o1"] = catMessage()

	require.NoError(t, engine.HandleUpdate(context.Background(), OriginMessage{ID: "o1", ChannelID: sourceChannel, Partial: true}))

	require.Len(t, bus.sent, 1)
	assert.Equal(t, []string{"cat.png"}, bus.sent[0].Files)
}

func TestUpdatePartialOriginGoneIsNoOp(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})

	require.NoError(t, engine.HandleUpdate(context.Background(), OriginMessage{ID: "o9", ChannelID: sourceChannel, Partial: true}))
	assert.Empty(t, bus.sent)
}

func TestUpdateUnchangedEditsHeaderWhenEnabled(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{SkipUnchangedEdits: true})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	require.NoError(t, engine.HandleUpdate(ctx, catMessage()))

	assert.Len(t, bus.sent, 1)
	assert.Empty(t, bus.deletes)
	assert.Equal(t, []string{"m1:**alice#0001** from <#S> (edited)"}, bus.edits)
	assert.Equal(t, int64(1), engine.Stats().Edited)
}

func TestUpdateEditHeaderFallsBackWhenMirrorGone(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{SkipUnchangedEdits: true})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	bus.editErr = fmt.Errorf("edit: %w", ErrNotFound)
	require.NoError(t, engine.HandleUpdate(ctx, catMessage()))

	require.Len(t, bus.sent, 2)
	entry, ok := engine.Ledger().Lookup("o1")
	require.True(t, ok)
	assert.Equal(t, "m2", entry.MirrorID)
}

func TestDeleteToleratesMissingMirror(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	bus.deleteErr = fmt.Errorf("delete: %w", ErrNotFound)
	require.NoError(t, engine.HandleDelete(ctx, sourceChannel, "o1"))

	assert.Zero(t, engine.Ledger().Len())
	assert.Zero(t, engine.Stats().BusFailures)
}

func TestDeleteFailureStillForgetsMirror(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.HandleCreate(ctx, catMessage()))
	bus.deleteErr = errors.New("missing permissions")
	require.NoError(t, engine.HandleDelete(ctx, sourceChannel, "o1"))

	assert.Zero(t, engine.Ledger().Len())
	assert.Equal(t, int64(1), engine.Stats().BusFailures)
}

func TestTargetUnavailableAbandonsEvent(t *testing.T) {
	t.Parallel()
	engine, bus, fetcher := newTestEngine(t, Options{})
	bus.channelErr = errors.New("missing access")

	err := engine.HandleCreate(context.Background(), catMessage())
	require.ErrorIs(t, err, ErrTargetUnavailable)
	assert.Empty(t, bus.sent)
	assert.Zero(t, fetcher.calls)
	assert.Equal(t, int64(1), engine.Stats().Abandoned)
}

func TestSendFailureLeavesOriginUnmirrored(t *testing.T) {
	t.Parallel()
	engine, bus, _ := newTestEngine(t, Options{})
	bus.sendErr = errors.New("rate limited")

	require.NoError(t, engine.HandleCreate(context.Background(), catMessage()))
	assert.Zero(t, engine.Ledger().Len())
	assert.Equal(t, int64(1), engine.Stats().BusFailures)
}

type panickingFetcher struct{}

func (panickingFetcher) FetchAll(context.Context, []media.Candidate) []media.Asset {
	panic("boom")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(log, newFakeBus(), panickingFetcher{}, nil, Options{
		SourceChannelIDs: []string{sourceChannel},
		TargetChannelID:  targetChannel,
	})

	err := engine.HandleCreate(context.Background(), catMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestHeader(t *testing.T) {
	t.Parallel()
	msg := OriginMessage{AuthorName: "bob", ChannelID: "42"}
	assert.Equal(t, "**bob** from <#42>", Header(msg, false))
	assert.Equal(t, "**bob** from <#42> (edited)", Header(msg, true))
}
