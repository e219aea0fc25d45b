package continuity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/config"
	"threadline/backend/internal/events"
	"threadline/backend/internal/middleware"
	"threadline/backend/internal/vector"
)

// DraftChapterID identifies an unindexed draft passage in missing links and
// graph nodes.
const DraftChapterID = "draft"

// tailHeadParagraphs bounds how much chapter text a single adjudication sees.
const tailHeadParagraphs = 3

// Report is the outcome of one continuity check. It is plain data and is not
// mutated after being returned.
type Report struct {
	OverallScore int              `json:"overall_score"`
	Status       string           `json:"status"`
	Analysis     string           `json:"analysis"`
	MissingLinks []MissingLink    `json:"missing_links"`
	Unverified   []UnverifiedPair `json:"unverified"`
	Graph        Graph            `json:"graph"`
	Incomplete   bool             `json:"incomplete"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Store interface {
	Query(ctx context.Context, queryVec []float32, k int, chapterFilter string) ([]vector.Hit, error)
	EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error)
	ListChapters(ctx context.Context) ([]string, error)
}

type Adjudicator interface {
	Adjudicate(ctx context.Context, passageA, passageB, hint string) (gemini.Verdict, error)
	Summarize(ctx context.Context, findings string) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload interface{})
}

type RunRecorder interface {
	RecordRun(ctx context.Context, kind string, score int, status string, incomplete bool, detail interface{})
}

type Config struct {
	Threshold      float64
	TopK           int
	CheckFirstLast bool
	Role           RoleFunc
}

type Service struct {
	embedder Embedder
	store    Store
	adj      Adjudicator
	pub      EventPublisher
	recorder RunRecorder
	cfg      Config
}

func NewService(embedder Embedder, store Store, adj Adjudicator, pub EventPublisher, rec RunRecorder, cfg Config) *Service {
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.75
	}
	return &Service{embedder: embedder, store: store, adj: adj, pub: pub, recorder: rec, cfg: cfg}
}

// CheckText checks a draft passage against everything indexed. Chapters whose
// best similarity to the passage clears the threshold are accepted without
// adjudication; the rest escalate to the reasoning provider.
func (s *Service) CheckText(ctx context.Context, passage string) (*Report, error) {
	vec, err := s.embed(ctx, passage)
	if err != nil {
		return nil, fmt.Errorf("embedding draft passage: %w", err)
	}

	hits, err := s.store.Query(ctx, vec, s.cfg.TopK, "")
	if err != nil {
		return nil, err
	}

	best := map[string]vector.Hit{}
	for _, h := range hits {
		if cur, ok := best[h.ChapterID]; !ok || h.Similarity > cur.Similarity {
			best[h.ChapterID] = h
		}
	}
	chapters := make([]string, 0, len(best))
	for ch := range best {
		chapters = append(chapters, ch)
	}
	sort.Strings(chapters)

	var links []MissingLink
	var unverified []UnverifiedPair
	for _, ch := range chapters {
		h := best[ch]
		if h.Similarity >= s.cfg.Threshold {
			continue
		}
		verdict, err := s.adjudicate(ctx, passage, h.Text, "draft passage against chapter "+ch)
		if err != nil {
			slog.WarnContext(ctx, "adjudication failed", "chapter", ch, "error", err)
			unverified = append(unverified, UnverifiedPair{FromChapter: DraftChapterID, ToChapter: ch, Reason: err.Error()})
			continue
		}
		if !verdict.Consistent {
			links = append(links, MissingLink{
				FromChapter: DraftChapterID,
				ToChapter:   ch,
				Description: verdict.Description,
				Severity:    verdict.Severity,
				Suggestion:  verdict.Suggestion,
			})
		}
	}

	links = Dedup(links)
	return s.finish(ctx, "text", draftGraph(chapters, links, s.cfg.Role), links, unverified), nil
}

// CheckSequence audits the whole document in chapter order. For each adjacent
// pair it takes the best cross-similarity between the earlier chapter's
// stored vectors and the later chapter's chunks; pairs below the threshold
// are adjudicated on the earlier chapter's tail against the later chapter's
// head.
func (s *Service) CheckSequence(ctx context.Context) (*Report, error) {
	chapters, err := s.store.ListChapters(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(chapters)

	entriesByChapter := make(map[string][]vector.Entry, len(chapters))
	for _, ch := range chapters {
		entries, err := s.store.EntriesByChapter(ctx, ch)
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
		entriesByChapter[ch] = entries
	}

	var pairs [][2]string
	for i := 0; i+1 < len(chapters); i++ {
		pairs = append(pairs, [2]string{chapters[i], chapters[i+1]})
	}
	if s.cfg.CheckFirstLast && len(chapters) > 2 {
		pairs = append(pairs, [2]string{chapters[0], chapters[len(chapters)-1]})
	}

	var links []MissingLink
	var unverified []UnverifiedPair
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from, to := pair[0], pair[1]
		fromEntries, toEntries := entriesByChapter[from], entriesByChapter[to]
		if len(fromEntries) == 0 || len(toEntries) == 0 {
			continue
		}

		bestSim, err := s.bestCrossSimilarity(ctx, fromEntries, to)
		if err != nil {
			return nil, err
		}
		if bestSim >= s.cfg.Threshold {
			continue
		}

		hint := fmt.Sprintf("end of chapter %s against start of chapter %s", from, to)
		verdict, err := s.adjudicate(ctx, tailText(fromEntries), headText(toEntries), hint)
		if err != nil {
			slog.WarnContext(ctx, "adjudication failed", "from", from, "to", to, "error", err)
			unverified = append(unverified, UnverifiedPair{FromChapter: from, ToChapter: to, Reason: err.Error()})
			continue
		}
		if !verdict.Consistent {
			links = append(links, MissingLink{
				FromChapter: from,
				ToChapter:   to,
				Description: verdict.Description,
				Severity:    verdict.Severity,
				Suggestion:  verdict.Suggestion,
			})
		}
	}

	links = Dedup(links)
	return s.finish(ctx, "sequence", BuildGraph(chapters, links, s.cfg.Role), links, unverified), nil
}

// bestCrossSimilarity probes the target chapter with each of the source
// chapter's stored vectors and keeps the best single-hit similarity.
func (s *Service) bestCrossSimilarity(ctx context.Context, from []vector.Entry, toChapter string) (float64, error) {
	best := -1.0
	for _, e := range from {
		hits, err := s.store.Query(ctx, e.Vector, 1, toChapter)
		if err != nil {
			return 0, err
		}
		if len(hits) > 0 && hits[0].Similarity > best {
			best = hits[0].Similarity
		}
	}
	return best, nil
}

func (s *Service) finish(ctx context.Context, kind string, graph Graph, links []MissingLink, unverified []UnverifiedPair) *Report {
	score, status := Score(links)
	rep := &Report{
		OverallScore: score,
		Status:       status,
		MissingLinks: links,
		Unverified:   unverified,
		Graph:        graph,
		Incomplete:   len(unverified) > 0,
	}
	rep.Analysis = s.narrative(ctx, rep)

	if s.recorder != nil {
		s.recorder.RecordRun(ctx, "continuity_"+kind, rep.OverallScore, rep.Status, rep.Incomplete, rep)
	}
	if s.pub != nil {
		s.pub.Publish(ctx, config.TopicContinuityResult, events.ContinuityResultPayload{
			Kind:          kind,
			Score:         rep.OverallScore,
			Status:        rep.Status,
			MissingLinks:  len(rep.MissingLinks),
			Incomplete:    rep.Incomplete,
			FinishedAt:    events.Timestamp(time.Now()),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}
	return rep
}

// narrative asks the reasoning provider to summarize the findings. The score
// and status are already fixed at this point; a provider failure only costs
// the prose, so it falls back to a locally composed summary.
func (s *Service) narrative(ctx context.Context, rep *Report) string {
	if s.adj == nil || (len(rep.MissingLinks) == 0 && len(rep.Unverified) == 0) {
		return fallbackAnalysis(rep)
	}
	summary, err := s.adj.Summarize(ctx, findingsText(rep))
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			slog.WarnContext(ctx, "summary generation failed, using local analysis", "error", err)
		}
		return fallbackAnalysis(rep)
	}
	return summary
}

func findingsText(rep *Report) string {
	var b strings.Builder
	for _, l := range rep.MissingLinks {
		fmt.Fprintf(&b, "- %s -> %s [%s]: %s (suggestion: %s)\n", l.FromChapter, l.ToChapter, l.Severity, l.Description, l.Suggestion)
	}
	for _, u := range rep.Unverified {
		fmt.Fprintf(&b, "- %s -> %s: could not be verified (%s)\n", u.FromChapter, u.ToChapter, u.Reason)
	}
	return b.String()
}

func fallbackAnalysis(rep *Report) string {
	if len(rep.MissingLinks) == 0 && !rep.Incomplete {
		return "No continuity issues detected. The argument thread holds across all checked chapter pairs."
	}
	msg := fmt.Sprintf("Continuity score %d/100 (%s): %d missing link(s) detected.", rep.OverallScore, rep.Status, len(rep.MissingLinks))
	if rep.Incomplete {
		msg += fmt.Sprintf(" %d pair(s) could not be verified; the score may understate risk.", len(rep.Unverified))
	}
	return msg
}

// embed retries once on transient provider errors.
func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err == nil || !gemini.IsTransient(err) {
		return vec, err
	}
	return s.embedder.Embed(ctx, content)
}

// adjudicate retries once on transient provider errors.
func (s *Service) adjudicate(ctx context.Context, a, b, hint string) (gemini.Verdict, error) {
	if s.adj == nil {
		return gemini.Verdict{}, errors.New("reasoning provider not configured")
	}
	v, err := s.adj.Adjudicate(ctx, a, b, hint)
	if err == nil || !gemini.IsTransient(err) {
		return v, err
	}
	return s.adj.Adjudicate(ctx, a, b, hint)
}

func tailText(entries []vector.Entry) string {
	start := len(entries) - tailHeadParagraphs
	if start < 0 {
		start = 0
	}
	return joinTexts(entries[start:])
}

func headText(entries []vector.Entry) string {
	end := tailHeadParagraphs
	if end > len(entries) {
		end = len(entries)
	}
	return joinTexts(entries[:end])
}

func joinTexts(entries []vector.Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, "\n\n")
}
