package flow

import (
	"context"

	"github.com/lmkapp/lmk/internal/mirror"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
)

// Channel is a notification channel as listed in the channels field.
type Channel struct {
	ID   string
	Name string
	Type string
}

// ChannelController selects the notification channel and refreshes the
// channel list.
type ChannelController struct {
	mirrorer
	caller Caller
}

// NewChannelController creates the controller. writer may be nil to disable
// mirroring.
func NewChannelController(store *state.Store, caller Caller, writer mirror.Writer) *ChannelController {
	return &ChannelController{
		mirrorer: mirrorer{store: store, writer: writer},
		caller:   caller,
	}
}

// Select sets the selected channel; nil selects the account default. While
// a cell is running the choice is also mirrored to the session API.
func (c *ChannelController) Select(ctx context.Context, channelID *string) error {
	var value any
	if channelID != nil {
		value = *channelID
	}
	if err := c.store.Set(state.FieldSelectedChannel, value); err != nil {
		return err
	}
	c.write(ctx, map[string]any{mirror.KeyNotifyChannel: value})
	return nil
}

// Refresh asks the backend to refetch channels. The list arrives as remote
// changes to channels_state and channels.
func (c *ChannelController) Refresh(ctx context.Context) error {
	_, err := c.caller.Call(ctx, rpc.MethodRefreshChannels, map[string]any{})
	return err
}

// Selected returns the selected channel id, or "" for the default.
func (c *ChannelController) Selected() string {
	id, _ := c.store.String(state.FieldSelectedChannel)
	return id
}

// State returns channels_state.
func (c *ChannelController) State() string {
	s, ok := c.store.String(state.FieldChannelsState)
	if !ok {
		return state.ChannelsNone
	}
	return s
}

// Channels decodes the channels field. Entries without an id are skipped.
func (c *ChannelController) Channels() []Channel {
	list, _ := c.store.Get(state.FieldChannels).([]any)
	out := make([]Channel, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ch := Channel{}
		ch.ID, _ = m["channelId"].(string)
		if ch.ID == "" {
			continue
		}
		ch.Type, _ = m["type"].(string)
		ch.Name, _ = m["name"].(string)
		out = append(out, ch)
	}
	return out
}
