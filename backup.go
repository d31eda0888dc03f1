package channel

import (
	"fmt"

	"weave/channel/internal/address"
	"weave/channel/internal/backup"
	"weave/channel/internal/config"
	"weave/channel/internal/stream"
)

// Backup serializes this user's full state under password. The subscribed
// flag tracked in-process by Subscribe is not part of state.State and
// therefore does not survive a backup/restore round trip; a restored user
// must Subscribe again before it can Unsubscribe.
func (u *User) Backup(password string) ([]byte, error) {
	data, err := backup.Backup(u.state, password)
	if err != nil {
		return nil, fmt.Errorf("channel: backup: %w", err)
	}
	return data, nil
}

// Restore rebuilds a User from a password-protected backup blob produced by
// Backup, rebinding its Messages iterator against the restored stream.
// opts supplies the collaborators a backup blob never
// carries: Transport is required, Logger defaults the same way New's does,
// and any Identity in opts is ignored in favor of the restored one.
func Restore(data []byte, password string, opts config.Options) (*User, error) {
	resolved, err := config.Resolve(opts)
	if err != nil {
		return nil, err
	}

	st, err := backup.Restore(data, password)
	if err != nil {
		return nil, fmt.Errorf("channel: restore: %w", err)
	}

	u := &User{
		state:     st,
		transport: resolved.Transport,
		logger:    resolved.Logger,
		rootTopic: st.BaseTopic,
	}

	base := address.Address{}
	if st.HasStream {
		base = st.StreamAddress
	}
	u.messages = stream.New(base, st.Cursors, u.transport, u)

	u.logger.Info("restore")
	return u, nil
}
