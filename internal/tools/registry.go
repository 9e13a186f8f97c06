package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Tool names offered to models
const (
	NameWebSearch      = "webSearch"
	NameExtractContent = "extractContent"
	NameGenerateImage  = "generateImage"
	NameGenerateVideo  = "generateVideo"
)

// Output is what a handler produces. Data is serialized into the tool message
// the model sees; Media and SearchResults are surfaced to the caller.
type Output struct {
	Data          map[string]any
	Media         *domain.MediaRef
	SearchResults []domain.SearchResult
}

// Handler executes one tool call
type Handler func(ctx context.Context, args json.RawMessage) (*Output, error)

// Tool is a registered tool. ReadOnly tools may run concurrently within a
// round; the rest run one at a time in call order.
type Tool struct {
	Definition domain.ToolDefinition
	Handler    Handler
	ReadOnly   bool
	Timeout    time.Duration
}

// Result is the outcome of one tool call. Err is set when the call failed;
// Content then carries the error payload for the model.
type Result struct {
	CallID  string
	Name    string
	Content string
	Output  *Output
	Err     error
}

// Message renders the result as a tool-role message
func (r Result) Message() domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		ToolCallID: r.CallID,
		Name:       r.Name,
		Content:    r.Content,
		IsError:    r.Err != nil,
	}
}

// Registry stores tools keyed by name
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	concurrency int
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty tool registry. concurrency bounds the number
// of read-only tools running at once within a round.
func NewRegistry(concurrency int, m *metrics.Metrics) *Registry {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Registry{
		tools:       make(map[string]Tool),
		concurrency: concurrency,
		metrics:     m,
	}
}

// Register adds a tool
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("handler is required for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the definitions of the named tools, or of every tool
// when no names are given. Unknown names are skipped. The result is sorted.
func (r *Registry) Definitions(names ...string) []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []domain.ToolDefinition
	if len(names) == 0 {
		for _, t := range r.tools {
			defs = append(defs, t.Definition)
		}
	} else {
		for _, name := range names {
			if t, ok := r.tools[name]; ok {
				defs = append(defs, t.Definition)
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool. It never fails: unknown tools, handler errors,
// malformed output and panics all come back as a Result with Err set.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return errorResult(name, fmt.Errorf("unknown tool %q", name))
	}

	start := time.Now()
	out, err := r.invoke(ctx, tool, args)
	r.metrics.ObserveTool(name, err == nil, time.Since(start))

	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("tool execution failed")
		return errorResult(name, err)
	}

	data := out.Data
	if data == nil {
		data = map[string]any{}
	}
	content, err := json.Marshal(data)
	if err != nil {
		return errorResult(name, fmt.Errorf("malformed result: %w", err))
	}

	return Result{Name: name, Content: string(content), Output: out}
}

func (r *Registry) invoke(ctx context.Context, tool Tool, args json.RawMessage) (out *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err = tool.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("malformed result: handler returned nothing")
	}
	return out, nil
}

// ExecuteRound runs every call of one model turn and returns exactly one
// result per call, in call order. Read-only tools run concurrently; the others
// run sequentially.
func (r *Registry) ExecuteRound(ctx context.Context, calls []domain.ToolCall) []Result {
	results := make([]Result, len(calls))

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	var sequential []int
	for i, call := range calls {
		if !r.readOnly(call.Name) {
			sequential = append(sequential, i)
			continue
		}
		g.Go(func() error {
			results[i] = r.Execute(ctx, call.Name, call.Arguments)
			results[i].CallID = call.ID
			return nil
		})
	}

	for _, i := range sequential {
		call := calls[i]
		results[i] = r.Execute(ctx, call.Name, call.Arguments)
		results[i].CallID = call.ID
	}

	_ = g.Wait()
	return results
}

func (r *Registry) readOnly(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	// unknown tools fail immediately without side effects
	return !ok || t.ReadOnly
}

func errorResult(name string, err error) Result {
	toolErr := &domain.ToolExecutionError{Tool: name, Err: err}
	content, _ := json.Marshal(map[string]string{"error": toolErr.Error()})
	return Result{Name: name, Content: string(content), Err: toolErr}
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
