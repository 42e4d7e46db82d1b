// Package activity implements C6: derives a bounded, deduplicated "Explored"
// feed from normalized adapter events and explicit tool-invocation hooks.
// Grounded on the teacher's tool/command classification patterns in
// internal/task/service, with output cleaned of ANSI control sequences via
// github.com/tuzig/vt10x before folding it into a summary.
package activity

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"

	"github.com/agentforge/agentforge/internal/agent"
)

// Category enumerates the Explored entry categories (spec.md §3).
type Category string

const (
	CategoryList      Category = "List"
	CategorySearch    Category = "Search"
	CategoryRead      Category = "Read"
	CategoryWrite     Category = "Write"
	CategoryExecute   Category = "Execute"
	CategoryAgent     Category = "Agent"
	CategoryTool      Category = "Tool"
	CategoryWebSearch Category = "WebSearch"
)

// Entry is one item of the Explored feed.
type Entry struct {
	Category Category
	Summary  string
	Ts       time.Time
	Source   string
	Meta     map[string]string
}

// Dedupe selects the tracker's deduplication mode.
type Dedupe string

const (
	DedupeNone        Dedupe = "none"
	DedupeConsecutive Dedupe = "consecutive"
)

// Config controls tracker construction.
type Config struct {
	MaxItems int
	Dedupe   Dedupe
}

// readMergeFanout bounds how many consecutive Read entries get merged into
// one "a, b, c (+N more)" summary before the tracker stops appending more
// paths to it.
const readMergeFanout = 5

var commandClassifiers = []struct {
	re       *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`^(rg|grep)\b`), CategorySearch},
	{regexp.MustCompile(`^find\b`), CategorySearch},
	{regexp.MustCompile(`^ls\b`), CategoryList},
	{regexp.MustCompile(`^cat\b`), CategoryRead},
	{regexp.MustCompile(`^sed\b`), CategoryWrite},
}

var toolClassifiers = map[string]Category{
	"read":        CategoryRead,
	"write":       CategoryWrite,
	"apply_patch": CategoryWrite,
	"search":      CategorySearch,
	"exec":        CategoryExecute,
	"grep":        CategorySearch,
	"find":        CategorySearch,
	"vsearch":     CategoryWebSearch,
	"agent":       CategoryAgent,
}

// Tracker accumulates Entry values from ingested events, bounded and
// optionally deduplicated.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry

	vt vt10x.Terminal
}

const vtCols, vtRows = 200, 50

// New returns a Tracker configured per cfg. MaxItems<=0 defaults to 200.
func New(cfg Config) *Tracker {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 200
	}
	if cfg.Dedupe == "" {
		cfg.Dedupe = DedupeConsecutive
	}
	return &Tracker{cfg: cfg}
}

// IngestEvent classifies a normalized adapter Event and appends the
// resulting Entry, if any.
func (t *Tracker) IngestEvent(ev agent.Event) {
	if ev.Item == nil {
		return
	}
	switch ev.Item.Type {
	case agent.ItemCommandExecution:
		t.ingestCommand(ev.Item.Command, ev.Item.AggregatedOutput)
	case agent.ItemFileChange:
		t.ingestFileChange(ev.Item.Changes)
	case agent.ItemToolCall, agent.ItemMCPToolCall:
		t.ingestTool(ev.Item.ToolName, ev.Item.ToolArgs)
	case agent.ItemWebSearch:
		t.append(Entry{Category: CategoryWebSearch, Summary: ev.Item.Query, Ts: ev.Timestamp, Source: "adapter"})
	}
}

// IngestTool is the explicit hook path for tool invocations that do not
// arrive as adapter events.
func (t *Tracker) IngestTool(name, args string) {
	t.ingestTool(name, args)
}

func (t *Tracker) ingestCommand(cmd, rawOutput string) {
	category := CategoryExecute
	trimmed := strings.TrimSpace(cmd)
	for _, c := range commandClassifiers {
		if c.re.MatchString(trimmed) {
			category = c.category
			break
		}
	}
	clean := stripANSI(t.vtState(), rawOutput)
	summary := cmd
	if clean != "" {
		summary = fmt.Sprintf("%s — %s", cmd, truncate(clean, 120))
	}
	t.append(Entry{Category: category, Summary: summary, Source: "command"})
}

func (t *Tracker) ingestFileChange(changes []agent.FileChange) {
	for _, c := range changes {
		cat := CategoryWrite
		t.append(Entry{Category: cat, Summary: fmt.Sprintf("%s %s", c.Kind, c.Path), Source: "file_change"})
	}
}

func (t *Tracker) ingestTool(name, args string) {
	category, ok := toolClassifiers[strings.ToLower(name)]
	if !ok {
		category = CategoryTool
	}
	summary := name
	if args != "" {
		summary = fmt.Sprintf("%s(%s)", name, truncate(args, 80))
	}
	t.append(Entry{Category: category, Summary: summary, Source: "tool"})
}

func (t *Tracker) vtState() vt10x.Terminal {
	if t.vt == nil {
		t.vt = vt10x.New(vt10x.WithSize(vtCols, vtRows))
	}
	return t.vt
}

// stripANSI feeds raw into a headless vt10x terminal and reads back its
// rendered (control-sequence-free) text, matching the "ANSI-clean Explored
// summaries" supplemental feature in SPEC_FULL.md §12.
func stripANSI(term vt10x.Terminal, raw string) string {
	if raw == "" {
		return ""
	}
	_, _ = term.Write([]byte(raw))

	var b strings.Builder
	for row := 0; row < vtRows; row++ {
		for col := 0; col < vtCols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				continue
			}
			b.WriteRune(g.Char)
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// append adds e, applying the configured dedupe mode and enforcing MaxItems,
// merging consecutive Read entries per spec.md §4.C6.
func (t *Tracker) append(e Entry) {
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Category == CategoryRead && len(t.entries) > 0 {
		last := &t.entries[len(t.entries)-1]
		if last.Category == CategoryRead {
			merged, extra := mergeRead(last.Summary, e.Summary)
			last.Summary = merged
			if extra {
				last.Ts = e.Ts
			}
			return
		}
	}

	if t.cfg.Dedupe == DedupeConsecutive && len(t.entries) > 0 {
		last := &t.entries[len(t.entries)-1]
		if last.Category == e.Category && baseSummary(last.Summary) == baseSummary(e.Summary) {
			last.Summary = bumpCount(last.Summary)
			last.Ts = e.Ts
			return
		}
	}

	t.entries = append(t.entries, e)
	if len(t.entries) > t.cfg.MaxItems {
		t.entries = t.entries[len(t.entries)-t.cfg.MaxItems:]
	}
}

var countSuffix = regexp.MustCompile(` ×(\d+)$`)

func baseSummary(s string) string {
	return countSuffix.ReplaceAllString(s, "")
}

func bumpCount(s string) string {
	if m := countSuffix.FindStringSubmatch(s); m != nil {
		n := 1
		fmt.Sscanf(m[1], "%d", &n)
		return fmt.Sprintf("%s ×%d", baseSummary(s), n+1)
	}
	return s + " ×2"
}

const moreFanoutLabel = "more"

func mergeRead(existing, next string) (string, bool) {
	if strings.HasSuffix(existing, ")") {
		// already in "(+N more)" form; bump N.
		idx := strings.LastIndex(existing, "(+")
		if idx >= 0 {
			var n int
			fmt.Sscanf(existing[idx+2:], "%d", &n)
			base := strings.TrimSpace(existing[:idx])
			return fmt.Sprintf("%s (+%d %s)", base, n+1, moreFanoutLabel), true
		}
	}
	if strings.Count(existing, ",")+1 >= readMergeFanout {
		return fmt.Sprintf("%s (+1 %s)", existing, moreFanoutLabel), true
	}
	return existing + ", " + next, false
}

// Items returns a snapshot of the current Explored feed, oldest first.
func (t *Tracker) Items() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports the current feed length.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
