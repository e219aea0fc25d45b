package continuity

// Graph is argument-structure data for an external visualization layer. No
// rendering logic lives here.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type GraphNode struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Type    string `json:"type"`
	Chapter string `json:"chapter"`
}

type GraphEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Label    string  `json:"label"`
	Strength float64 `json:"strength"`
}

// RoleFunc assigns a coarse argument role to the chapter at pos out of total.
// Roles are one of question, argument, evidence, conclusion.
type RoleFunc func(pos, total int) string

// DefaultRole tags the first chapter as the question and the last as the
// conclusion. Middle chapters split in half: the earlier half argues, the
// later half presents evidence. Position-based tagging is a heuristic and is
// expected to be replaced for non-linear documents.
func DefaultRole(pos, total int) string {
	switch {
	case total == 1:
		return "argument"
	case pos == 0:
		return "question"
	case pos == total-1:
		return "conclusion"
	}
	middles := total - 2
	if pos-1 < middles/2 {
		return "argument"
	}
	return "evidence"
}

const (
	solidStrength  = 1.0
	brokenStrength = 0.2
)

// BuildGraph produces one node per chapter in order and one edge per adjacent
// pair. An edge is broken iff a missing link connects its two chapters in
// either direction.
func BuildGraph(chapters []string, links []MissingLink, role RoleFunc) Graph {
	if role == nil {
		role = DefaultRole
	}

	g := Graph{Nodes: make([]GraphNode, 0, len(chapters))}
	for i, ch := range chapters {
		g.Nodes = append(g.Nodes, GraphNode{
			ID:      ch,
			Label:   ch,
			Type:    role(i, len(chapters)),
			Chapter: ch,
		})
	}

	for i := 0; i+1 < len(chapters); i++ {
		g.Edges = append(g.Edges, edgeBetween(chapters[i], chapters[i+1], links))
	}
	return g
}

// draftGraph models a draft passage checked against indexed chapters: one
// node per touched chapter plus a draft node, with an edge from each chapter
// to the draft.
func draftGraph(chapters []string, links []MissingLink, role RoleFunc) Graph {
	g := BuildGraph(chapters, nil, role)
	g.Edges = nil

	g.Nodes = append(g.Nodes, GraphNode{
		ID:      DraftChapterID,
		Label:   "draft passage",
		Type:    "argument",
		Chapter: DraftChapterID,
	})
	for _, ch := range chapters {
		g.Edges = append(g.Edges, edgeBetween(DraftChapterID, ch, links))
	}
	return g
}

func edgeBetween(a, b string, links []MissingLink) GraphEdge {
	for _, l := range links {
		if (l.FromChapter == a && l.ToChapter == b) || (l.FromChapter == b && l.ToChapter == a) {
			return GraphEdge{Source: a, Target: b, Label: StatusBroken, Strength: brokenStrength}
		}
	}
	return GraphEdge{Source: a, Target: b, Label: StatusSolid, Strength: solidStrength}
}
