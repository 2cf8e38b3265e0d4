package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"rlm/pkg/checkpoint"
	"rlm/pkg/config"
	"rlm/pkg/logx"
	"rlm/pkg/proto"
)

const (
	agentRunning   = "running"
	agentCompleted = "completed"
	agentFailed    = "failed"
)

// subConversation is the private context of one exploration sub-task.
type subConversation struct {
	wctx       *proto.WorkflowContext
	logger     *logx.Logger
	toolCalls  int
	toolErrors map[string]int
}

func (s *subConversation) snapshot() *proto.WorkflowContext {
	return s.wctx.Clone()
}

func (s *subConversation) absorb(res Result) []proto.Message {
	s.toolCalls += res.ToolCalls
	for name, n := range res.ToolErrors {
		s.toolErrors[name] += n
	}
	return absorbResult(s.wctx, res, s.logger)
}

// explore fans the exploration tasks out in parallel and joins their findings
// into a single system message. Any sub-task error fails the phase.
func (o *Orchestrator) explore(ctx context.Context) (string, error) {
	tasks := o.cfg.ExplorationTasks
	if len(tasks) == 0 {
		tasks = config.DefaultExplorationTasks
	}
	base := mainConversation{o}.snapshot()
	o.setAgents(tasks)

	var (
		mu         sync.Mutex
		results    = make([]checkpoint.ExploreResult, len(tasks))
		toolCalls  int
		toolErrors = make(map[string]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			sub := &subConversation{
				wctx:       base.Clone(),
				logger:     o.logger.With(task.Name),
				toolErrors: make(map[string]int),
			}
			sub.wctx.AppendMessage(proto.NewUserMessage(fmt.Sprintf(
				"Exploration task %q. Use read-only tools and report concise findings.\n\n%s", task.Name, task.Prompt)))

			findings, err := o.converse(gctx, proto.PhaseAnalyzeCode, sub, "exploration "+task.Name)

			mu.Lock()
			defer mu.Unlock()
			toolCalls += sub.toolCalls
			for name, n := range sub.toolErrors {
				toolErrors[name] += n
			}
			if err != nil {
				results[i] = checkpoint.ExploreResult{Name: task.Name, Error: err.Error()}
				o.setAgentStatus(i, agentFailed)
				return fmt.Errorf("exploration %s: %w", task.Name, err)
			}
			results[i] = checkpoint.ExploreResult{Name: task.Name, Findings: findings}
			o.setAgentStatus(i, agentCompleted)
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	o.wctx.ToolExecutionCount += toolCalls
	o.wctx.RecordToolErrors(toolErrors)
	o.mu.Unlock()
	if err != nil {
		return "", err
	}

	summary := formatFindings(results)
	msg := proto.NewSystemMessage(summary)
	o.mu.Lock()
	o.results.Explore = results
	o.wctx.AppendMessage(msg)
	o.mu.Unlock()
	o.sink.MessagesAdded(ctx, proto.PhaseAnalyzeCode, []proto.Message{msg})

	o.logger.Info("Exploration complete: %d sub-task(s)", len(results))
	return summary, nil
}

func formatFindings(results []checkpoint.ExploreResult) string {
	var b strings.Builder
	b.WriteString("Exploration findings:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n## %s\n%s\n", r.Name, strings.TrimSpace(r.Findings))
	}
	return b.String()
}

func (o *Orchestrator) setAgents(tasks []config.ExplorationTask) {
	now := o.cfg.now().UTC()
	agents := make([]checkpoint.AgentState, len(tasks))
	for i, task := range tasks {
		agents[i] = checkpoint.AgentState{
			Name:      task.Name,
			Phase:     string(proto.PhaseAnalyzeCode),
			Status:    agentRunning,
			UpdatedAt: now,
		}
	}
	o.mu.Lock()
	o.agents = agents
	o.mu.Unlock()
}

func (o *Orchestrator) setAgentStatus(i int, status string) {
	now := o.cfg.now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < len(o.agents) {
		o.agents[i].Status = status
		o.agents[i].UpdatedAt = now
	}
}
