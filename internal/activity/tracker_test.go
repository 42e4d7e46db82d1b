package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/agent"
)

func TestTracker_ClassifiesCommandsByTokenization(t *testing.T) {
	tr := New(Config{})
	tr.IngestEvent(agent.Event{Item: &agent.Item{Type: agent.ItemCommandExecution, Command: "rg TODO"}})
	tr.IngestEvent(agent.Event{Item: &agent.Item{Type: agent.ItemCommandExecution, Command: "ls -la"}})

	items := tr.Items()
	require.Len(t, items, 2)
	assert.Equal(t, CategorySearch, items[0].Category)
	assert.Equal(t, CategoryList, items[1].Category)
}

func TestTracker_ClassifiesToolsByName(t *testing.T) {
	tr := New(Config{})
	tr.IngestTool("read", "path=foo.go")
	tr.IngestTool("apply_patch", "")
	tr.IngestTool("unknown_tool", "")

	items := tr.Items()
	require.Len(t, items, 3)
	assert.Equal(t, CategoryRead, items[0].Category)
	assert.Equal(t, CategoryWrite, items[1].Category)
	assert.Equal(t, CategoryTool, items[2].Category)
}

func TestTracker_ConsecutiveDedupeCollapsesWithCount(t *testing.T) {
	tr := New(Config{Dedupe: DedupeConsecutive})
	for i := 0; i < 3; i++ {
		tr.IngestEvent(agent.Event{Item: &agent.Item{Type: agent.ItemCommandExecution, Command: "ls"}})
	}
	items := tr.Items()
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Summary, "×3")
}

func TestTracker_NoneDedupeKeepsDuplicates(t *testing.T) {
	tr := New(Config{Dedupe: DedupeNone})
	for i := 0; i < 3; i++ {
		tr.IngestEvent(agent.Event{Item: &agent.Item{Type: agent.ItemCommandExecution, Command: "ls"}})
	}
	assert.Len(t, tr.Items(), 3)
}

func TestTracker_BoundedByMaxItems(t *testing.T) {
	tr := New(Config{MaxItems: 5, Dedupe: DedupeNone})
	for i := 0; i < 20; i++ {
		tr.IngestTool("exec", "")
	}
	assert.LessOrEqual(t, tr.Len(), 5)
}

func TestTracker_MergesConsecutiveReads(t *testing.T) {
	tr := New(Config{Dedupe: DedupeNone})
	tr.IngestTool("read", "a.go")
	tr.IngestTool("read", "b.go")
	tr.IngestTool("read", "c.go")

	items := tr.Items()
	require.Len(t, items, 1)
	assert.Equal(t, CategoryRead, items[0].Category)
}

func TestTracker_FileChangeEmitsWriteEntry(t *testing.T) {
	tr := New(Config{})
	tr.IngestEvent(agent.Event{Item: &agent.Item{
		Type:    agent.ItemFileChange,
		Changes: []agent.FileChange{{Kind: agent.FileUpdate, Path: "main.go"}},
	}})
	items := tr.Items()
	require.Len(t, items, 1)
	assert.Equal(t, CategoryWrite, items[0].Category)
}
