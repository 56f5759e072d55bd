package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	stage1SystemPrompt = "You are a helpful AI assistant. Provide a thoughtful, accurate, and well-structured response."
	stage2SystemPrompt = "You are a fair and impartial judge evaluating AI responses. Be objective and thorough in your analysis."
	stage3SystemPrompt = "You are the Chairman of an AI council, responsible for synthesizing the collective wisdom of multiple AI models into a single, authoritative response."

	// evaluationExcerptLen is how many characters of each evaluation the chairman sees.
	evaluationExcerptLen = 500
)

// ErrEmptyQuestion is returned when a request has no question text.
var ErrEmptyQuestion = errors.New("question is required")

// Shuffler permutes n elements by calling swap, with the contract of rand.Shuffle.
type Shuffler func(n int, swap func(i, j int))

// Council runs three-stage deliberations: independent answers, anonymized
// peer evaluation, and chairman synthesis.
type Council struct {
	registry *Registry
	gateway  Gateway
	logger   *zap.Logger
	shuffle  Shuffler
}

// NewCouncil creates a Council. A nil shuffle uses math/rand/v2.
func NewCouncil(registry *Registry, gateway Gateway, logger *zap.Logger, shuffle Shuffler) *Council {
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	return &Council{
		registry: registry,
		gateway:  gateway,
		logger:   logger,
		shuffle:  shuffle,
	}
}

// Plan is a validated deliberation request with its effective council and chairman.
type Plan struct {
	Question string
	Files    []FilePart
	Council  []ModelDescriptor
	Chairman ModelDescriptor
}

// Plan validates req and resolves the council and chairman. Unknown or too
// few council ids fall back to the default council, an unknown chairman to
// the default chairman, and invalid attachments are dropped.
func (c *Council) Plan(req DeliberationRequest) (*Plan, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	council := c.registry.CouncilModels()
	if len(req.CouncilModelIDs) > 0 {
		resolved, err := c.registry.Resolve(req.CouncilModelIDs)
		if err != nil {
			c.logger.Warn("Ignoring unknown council models", zap.Error(err))
		}
		if len(resolved) >= 2 {
			council = resolved
		} else {
			c.logger.Warn("Requested council too small, using default council",
				zap.Strings("requested", req.CouncilModelIDs),
			)
		}
	}

	chairman := c.registry.DefaultChairman()
	if req.ChairmanModelID != "" {
		if m, ok := c.registry.Lookup(req.ChairmanModelID); ok {
			chairman = m
		} else {
			c.logger.Warn("Unknown chairman, using default",
				zap.String("requested", req.ChairmanModelID),
				zap.String("chairman", chairman.ID),
			)
		}
	}

	return &Plan{
		Question: question,
		Files:    FilterAttachments(req.Attachments, c.logger),
		Council:  council,
		Chairman: chairman,
	}, nil
}

// Run validates req and executes it. An invalid request is reported to sink
// as a single error event.
func (c *Council) Run(ctx context.Context, req DeliberationRequest, sink EventSink) (*DeliberationResult, error) {
	plan, err := c.Plan(req)
	if err != nil {
		sink.Send(Event{Type: EventError, Message: err.Error()})
		DeliberationsCompleted.WithLabelValues("errored").Inc()
		return nil, err
	}
	return c.Execute(ctx, plan, sink, nil)
}

// Execute runs the three stages of plan, streaming progress to sink and
// publishing state snapshots to holder (which may be nil). Per-model failures
// are absorbed as placeholder text. If ctx is cancelled, in-flight model calls
// are abandoned, no further events are sent, and ctx.Err() is returned.
func (c *Council) Execute(ctx context.Context, plan *Plan, sink EventSink, holder *StateHolder) (*DeliberationResult, error) {
	d := &deliberation{
		council: c,
		ctx:     ctx,
		plan:    plan,
		sink:    sink,
		state:   NewConversationState(plan.Question),
		holder:  holder,
	}
	if d.holder == nil {
		d.holder = NewStateHolder(d.state)
	} else {
		d.holder.Publish(d.state)
	}

	DeliberationsStarted.Inc()
	ActiveRuns.Inc()
	defer ActiveRuns.Dec()

	start := time.Now()
	result, err := d.run()
	if err != nil {
		DeliberationsCompleted.WithLabelValues("cancelled").Inc()
		d.holder.Publish(Reduce(d.state, Event{Type: EventError, Message: "deliberation cancelled"}))
		c.logger.Info("Deliberation cancelled",
			zap.String("question", truncateRunes(plan.Question, 80)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, err
	}

	DeliberationsCompleted.WithLabelValues("complete").Inc()
	c.logger.Info("Deliberation complete",
		zap.Int("council_size", len(plan.Council)),
		zap.String("chairman", plan.Chairman.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// deliberation is the state of one run. Only the goroutine calling run
// touches state, holder and sink; model workers hand events to it over a
// channel.
type deliberation struct {
	council *Council
	ctx     context.Context
	plan    *Plan
	sink    EventSink
	state   ConversationState
	holder  *StateHolder
}

func (d *deliberation) run() (*DeliberationResult, error) {
	stage1, err := d.stage1()
	if err != nil {
		return nil, err
	}

	stage2, err := d.stage2(stage1)
	if err != nil {
		return nil, err
	}

	stage3, err := d.stage3(stage1, stage2)
	if err != nil {
		return nil, err
	}

	if err := d.ctx.Err(); err != nil {
		return nil, err
	}

	result := &DeliberationResult{
		Question: d.plan.Question,
		Stage1:   stage1,
		Stage2:   *stage2,
		Stage3:   *stage3,
	}
	d.emit(Event{Type: EventComplete, Result: result})
	return result, nil
}

// emit reduces ev into the run state, publishes the new snapshot and
// forwards ev to the sink. Nothing is emitted once ctx is done.
func (d *deliberation) emit(ev Event) {
	if d.ctx.Err() != nil {
		return
	}
	d.state = Reduce(d.state, ev)
	d.holder.Publish(d.state)
	d.sink.Send(ev)
}

// fanOut runs work for every model concurrently and relays the events they
// produce until all of them have returned.
func (d *deliberation) fanOut(models []ModelDescriptor, work func(ctx context.Context, i int, m ModelDescriptor, emit func(Event))) error {
	events := make(chan Event, 64)
	g, gctx := errgroup.WithContext(d.ctx)

	for i, m := range models {
		g.Go(func() error {
			work(gctx, i, m, func(ev Event) {
				select {
				case events <- ev:
				case <-gctx.Done():
				}
			})
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(events)
	}()

	for ev := range events {
		d.emit(ev)
	}
	return d.ctx.Err()
}

// streamModel calls one model and relays its chunks. A failed call yields
// the placeholder "[Error: Failed to get <what> from <model>]".
func (d *deliberation) streamModel(ctx context.Context, stage int, m ModelDescriptor, systemPrompt string, content UserContent, status, what string, emit func(Event)) string {
	emit(Event{Type: EventModelStatus, Stage: stage, ModelID: m.ID, Status: status})

	stream := d.council.gateway.Generate(ctx, m, systemPrompt, content)
	defer stream.Close()

	for stream.Next() {
		emit(Event{Type: EventModelChunk, Stage: stage, ModelID: m.ID, Chunk: stream.Delta()})
	}

	stageLabel := strconv.Itoa(stage)
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ""
		}
		ModelCalls.WithLabelValues(stageLabel, string(m.Provider), "error").Inc()
		d.council.logger.Warn("Model call failed",
			zap.Int("stage", stage),
			zap.String("model_id", m.ID),
			zap.Error(err),
		)
		return fmt.Sprintf("[Error: Failed to get %s from %s]", what, m.DisplayName)
	}

	ModelCalls.WithLabelValues(stageLabel, string(m.Provider), "ok").Inc()
	return stream.Text()
}

func (d *deliberation) stage1() ([]Stage1Response, error) {
	defer observeStage(1, time.Now())
	d.emit(Event{Type: EventStage, Stage: 1, Status: string(StageStarted)})

	content := UserContent{Text: d.plan.Question, Files: d.plan.Files}
	responses := make([]Stage1Response, len(d.plan.Council))

	err := d.fanOut(d.plan.Council, func(ctx context.Context, i int, m ModelDescriptor, emit func(Event)) {
		text := d.streamModel(ctx, 1, m, stage1SystemPrompt, content, StatusGenerating, "response", emit)
		responses[i] = Stage1Response{
			ModelID:     m.ID,
			DisplayName: m.DisplayName,
			Content:     text,
		}
		emit(Event{Type: EventModelStatus, Stage: 1, ModelID: m.ID, Status: StatusComplete, Content: text})
	})
	if err != nil {
		return nil, err
	}

	labels := LabelPool(len(responses))
	d.council.shuffle(len(labels), func(i, j int) {
		labels[i], labels[j] = labels[j], labels[i]
	})
	for i := range responses {
		responses[i].Label = labels[i]
	}

	d.emit(Event{Type: EventStage, Stage: 1, Status: string(StageComplete), Stage1: responses})
	return responses, nil
}

func (d *deliberation) stage2(stage1 []Stage1Response) (*Stage2Result, error) {
	defer observeStage(2, time.Now())
	d.emit(Event{Type: EventStage, Stage: 2, Status: string(StageStarted)})

	labelToModel := make(map[string]string, len(stage1))
	for _, r := range stage1 {
		labelToModel[r.Label] = r.DisplayName
	}

	// Presentation order is shuffled independently of the label assignment.
	order := make([]int, len(stage1))
	for i := range order {
		order[i] = i
	}
	d.council.shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	blocks := make([]string, 0, len(order))
	for _, i := range order {
		blocks = append(blocks, fmt.Sprintf("%s:\n%s", stage1[i].Label, stage1[i].Content))
	}

	prompt := buildEvaluationPrompt(d.plan.Question, strings.Join(blocks, "\n\n---\n\n"))
	councilSize := len(d.plan.Council)
	evaluations := make([]Stage2Evaluation, councilSize)

	err := d.fanOut(d.plan.Council, func(ctx context.Context, i int, m ModelDescriptor, emit func(Event)) {
		text := d.streamModel(ctx, 2, m, stage2SystemPrompt, UserContent{Text: prompt}, StatusEvaluating, "evaluation", emit)
		ranking := ParseRankingFromText(text, councilSize)
		evaluations[i] = Stage2Evaluation{
			ModelID:        m.ID,
			DisplayName:    m.DisplayName,
			EvaluationText: text,
			ParsedRanking:  ranking,
		}
		emit(Event{
			Type:          EventModelStatus,
			Stage:         2,
			ModelID:       m.ID,
			Status:        StatusComplete,
			Evaluation:    text,
			ParsedRanking: ranking,
		})
	})
	if err != nil {
		return nil, err
	}

	result := &Stage2Result{
		Evaluations:       evaluations,
		LabelToModel:      labelToModel,
		AggregateRankings: CalculateAggregateRankings(evaluations, labelToModel, d.plan.Council),
	}
	d.emit(Event{Type: EventStage, Stage: 2, Status: string(StageComplete), Stage2: result})
	return result, nil
}

func (d *deliberation) stage3(stage1 []Stage1Response, stage2 *Stage2Result) (*Stage3Result, error) {
	defer observeStage(3, time.Now())
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	d.emit(Event{Type: EventStage, Stage: 3, Status: string(StageStarted)})

	chairman := d.plan.Chairman
	prompt := buildSynthesisPrompt(d.plan.Question, stage1, stage2)
	synthesis := d.streamModel(d.ctx, 3, chairman, stage3SystemPrompt, UserContent{Text: prompt}, StatusSynthesizing, "synthesis", d.emit)
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	d.emit(Event{Type: EventModelStatus, Stage: 3, ModelID: chairman.ID, Status: StatusComplete, Synthesis: synthesis})

	result := &Stage3Result{
		SynthesisText:       synthesis,
		ChairmanDisplayName: chairman.DisplayName,
	}
	d.emit(Event{Type: EventStage, Stage: 3, Status: string(StageComplete), Stage3: result})
	return result, nil
}

func observeStage(stage int, start time.Time) {
	StageDuration.WithLabelValues(strconv.Itoa(stage)).Observe(time.Since(start).Seconds())
}

func buildEvaluationPrompt(question, anonymizedResponses string) string {
	return fmt.Sprintf(`You are evaluating responses to the following question:

"%s"

Here are the responses from different sources (anonymized):

%s

Please:
1. Evaluate each response based on accuracy, helpfulness, clarity, and depth
2. Provide a brief analysis of each response's strengths and weaknesses
3. End with a FINAL RANKING section that lists responses from best to worst

Format your ranking exactly like this:
FINAL RANKING:
1. Response X
2. Response Y
3. Response Z

Do not include any additional text after the ranking.`, question, anonymizedResponses)
}

func buildSynthesisPrompt(question string, stage1 []Stage1Response, stage2 *Stage2Result) string {
	rankByName := make(map[string]float64, len(stage2.AggregateRankings))
	var table strings.Builder
	for i, r := range stage2.AggregateRankings {
		rankByName[r.DisplayName] = r.AverageRank
		if i > 0 {
			table.WriteString("\n")
		}
		fmt.Fprintf(&table, "%d. %s (avg rank: %.2f)", i+1, r.DisplayName, r.AverageRank)
	}

	responses := make([]string, 0, len(stage1))
	for _, r := range stage1 {
		rank := "N/A"
		if avg, ok := rankByName[r.DisplayName]; ok {
			rank = fmt.Sprintf("%.1f", avg)
		}
		responses = append(responses, fmt.Sprintf("[%s] (Peer ranking: #%s):\n%s", r.DisplayName, rank, r.Content))
	}

	insights := make([]string, 0, len(stage2.Evaluations))
	for _, e := range stage2.Evaluations {
		insights = append(insights, fmt.Sprintf("%s's assessment highlights: %s", e.DisplayName, excerpt(e.EvaluationText, evaluationExcerptLen)))
	}

	return fmt.Sprintf(`As the Chairman of this AI council, synthesize the best possible answer to the user's question based on the council's deliberation.

Original Question: "%s"

Council Responses (with peer rankings):
%s

Aggregate Peer Rankings:
%s

Key Evaluation Insights:
%s

Your task:
1. Synthesize the best elements from all responses
2. Give more weight to higher-ranked responses
3. Resolve any contradictions with the most accurate information
4. Provide a comprehensive, well-structured final answer

Begin your synthesis:`, question, strings.Join(responses, "\n\n---\n\n"), table.String(), strings.Join(insights, "\n\n"))
}

// excerpt returns the first n characters of s, marked with "..." when cut.
func excerpt(s string, n int) string {
	cut := truncateRunes(s, n)
	if len(cut) < len(s) {
		return cut + "..."
	}
	return cut
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
