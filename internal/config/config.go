// Package config carries the small set of constructor options a channel.User
// needs (transport, identity, logger, root topic): a literal value plus a
// Resolve step that applies defaults and rejects invalid combinations.
// There is deliberately no env-var loading here; embedding applications own
// their process environment.
package config

import (
	"fmt"

	"weave/channel/internal/content"
	"weave/channel/internal/identity"
	"weave/channel/internal/obslog"
	"weave/channel/internal/transport"
)

// DefaultRootTopic is used when Options.RootTopic is left empty.
const DefaultRootTopic = content.Topic("base")

// DefaultLogLevel is used when Options.LogLevel is left empty.
const DefaultLogLevel = "info"

// Options captures the literal construction parameters for a channel.User:
// its bound identity, the transport it publishes to and polls, a structured
// logger, and the topic a fresh stream's base branch is seeded under.
type Options struct {
	// Identity is the user's own signature keypair. Required for any
	// operation that signs or decrypts (create_stream, subscribe, ...); a
	// PSK-only or read-only observer may leave this nil.
	Identity identity.Identity
	// Transport is the ledger collaborator every send/recv goes through.
	// Required.
	Transport transport.Transport
	// Logger receives one structured entry per state-mutating operation.
	// Defaults to a discarding logger if nil.
	Logger *obslog.Logger
	// LogLevel configures a default logger when Logger is nil and the
	// caller still wants real output; ignored when Logger is set.
	LogLevel string
	// RootTopic is the base branch topic a fresh create_stream seeds.
	// Defaults to DefaultRootTopic.
	RootTopic content.Topic
}

// Resolve validates opts and fills in defaults, returning a new Options the
// caller should treat as immutable. It never reads the environment: every
// field comes from the literal value the caller constructed.
func Resolve(opts Options) (*Options, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("config: Transport is required")
	}

	resolved := opts

	if resolved.Logger == nil {
		if resolved.LogLevel == "" {
			resolved.Logger = obslog.NewTestLogger()
		} else {
			resolved.Logger = obslog.New(resolved.LogLevel)
		}
	}

	if resolved.RootTopic == "" {
		resolved.RootTopic = DefaultRootTopic
	}

	return &resolved, nil
}
