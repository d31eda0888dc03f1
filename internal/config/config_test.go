package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"weave/channel/internal/obslog"
	"weave/channel/internal/transport"
)

func TestResolveDefaults(t *testing.T) {
	tr := transport.NewBucketTransport()

	resolved, err := Resolve(Options{Transport: tr})
	require.NoError(t, err)
	require.Equal(t, DefaultRootTopic, resolved.RootTopic)
	require.NotNil(t, resolved.Logger)
	require.Same(t, tr, resolved.Transport)
	require.Nil(t, resolved.Identity)
}

func TestResolveRejectsMissingTransport(t *testing.T) {
	_, err := Resolve(Options{})
	require.Error(t, err)
}

func TestResolvePreservesExplicitRootTopicAndLogger(t *testing.T) {
	tr := transport.NewBucketTransport()
	logger := obslog.NewTestLogger()

	resolved, err := Resolve(Options{
		Transport: tr,
		RootTopic: "custom-root",
		Logger:    logger,
		LogLevel:  "debug", // ignored: an explicit Logger always wins
	})
	require.NoError(t, err)
	require.EqualValues(t, "custom-root", resolved.RootTopic)
	require.Same(t, logger, resolved.Logger)
}

func TestResolveBuildsLoggerFromLevel(t *testing.T) {
	tr := transport.NewBucketTransport()

	resolved, err := Resolve(Options{Transport: tr, LogLevel: "debug"})
	require.NoError(t, err)
	require.NotNil(t, resolved.Logger)
}
