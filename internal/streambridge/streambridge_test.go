package streambridge

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeRejectsWhenNoProgramConfigured(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(log)
	err := r.Serve(context.Background(), nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no debugger program configured")
}

func TestProgramsEmptyInitially(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(log)
	assert.Empty(t, r.Programs())
}

func TestDropAllOnEmptyRegistryIsSafe(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(log)
	r.DropAll()
	assert.Empty(t, r.Programs())
}
