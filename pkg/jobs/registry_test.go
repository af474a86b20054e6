package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/distrib/pkg/core"
)

func identityJob() Job {
	return Job{
		Map: func(key, value string) []core.KeyValue {
			return []core.KeyValue{{Key: key, Value: value}}
		},
		Reduce: func(key string, values []string) core.KeyValue {
			return core.KeyValue{Key: key, Value: values[0]}
		},
	}
}

func TestRegister_GetAndList(t *testing.T) {
	require.NoError(t, Register("test-identity", identityJob()))

	job, err := Get("test-identity")
	require.NoError(t, err)
	require.Equal(t, []core.KeyValue{{Key: "a", Value: "1"}}, job.Map("a", "1"))
	require.Contains(t, List(), "test-identity")
}

func TestRegister_Duplicate(t *testing.T) {
	require.NoError(t, Register("test-duplicate", identityJob()))
	require.Error(t, Register("test-duplicate", identityJob()))
}

func TestRegister_RequiresBothFunctions(t *testing.T) {
	require.Error(t, Register("test-incomplete", Job{Map: identityJob().Map}))
}

func TestGet_Unknown(t *testing.T) {
	_, err := Get("does-not-exist")
	require.ErrorIs(t, err, ErrJobNotFound)
}
