package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_DisabledReturnsOkWithoutExecuting(t *testing.T) {
	report := Run(context.Background(), false, []Step{{Cmd: "false"}})
	assert.True(t, report.Ok())
	assert.Empty(t, report.Results)
}

func TestRun_AllStepsRunWhenNotDependent(t *testing.T) {
	report := Run(context.Background(), true, []Step{
		{Name: "a", Cmd: "sh", Args: []string{"-c", "exit 1"}},
		{Name: "b", Cmd: "sh", Args: []string{"-c", "exit 0"}},
	})
	require.Len(t, report.Results, 2)
	assert.False(t, report.Ok())
	assert.Equal(t, 1, report.Results[0].ExitCode)
	assert.Equal(t, 0, report.Results[1].ExitCode)
}

func TestRun_ShortCircuitsOnDependentFailure(t *testing.T) {
	report := Run(context.Background(), true, []Step{
		{Name: "install", Cmd: "sh", Args: []string{"-c", "exit 1"}, Dependent: true},
		{Name: "lint", Cmd: "sh", Args: []string{"-c", "exit 0"}, Dependent: true},
	})
	require.Len(t, report.Results, 2)
	assert.NotEmpty(t, report.Results[1].Notes)
	assert.False(t, report.Ok())
}

func TestRun_SuccessIsOk(t *testing.T) {
	report := Run(context.Background(), true, []Step{
		{Cmd: "true"},
	})
	assert.True(t, report.Ok())
}
