package wa

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/types/events"
)

func TestPingFollowsConnectionEvents(t *testing.T) {
	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)

	c.handleEvent(&events.Connected{})
	assert.NoError(t, c.Ping(ctx))

	c.handleEvent(&events.Disconnected{})
	assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)

	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.LoggedOut{OnConnect: true})
	assert.ErrorIs(t, c.Ping(ctx), ErrLoggedOut)

	c.handleEvent(&events.Connected{})
	assert.NoError(t, c.Ping(ctx))
}
