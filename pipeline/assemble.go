package pipeline

import (
	"strings"

	"github.com/BaSui01/memengine/internal/tokenizer"
	"github.com/BaSui01/memengine/scorer"
	"github.com/BaSui01/memengine/types"
)

// Category 上下文分类，按优先级从高到低排列
type Category string

const (
	CategoryRole       Category = "role_setting"
	CategorySession    Category = "current_session"
	CategoryCore       Category = "core_memories"
	CategoryHistorical Category = "historical_dialogues"
	CategoryRelevant   Category = "relevant_memories"
	CategorySummaries  Category = "summaries"
)

// Categories 按优先级排列的分类
var Categories = []Category{
	CategoryRole, CategorySession, CategoryCore, CategoryHistorical, CategoryRelevant, CategorySummaries,
}

var categoryTitles = map[Category]string{
	CategoryRole:       "Role setting",
	CategorySession:    "Current session",
	CategoryCore:       "Core memories",
	CategoryHistorical: "Historical dialogues",
	CategoryRelevant:   "Relevant memories",
	CategorySummaries:  "Summaries",
}

// Item 上下文中的一条内容
type Item struct {
	MemoryID string `json:"memory_id,omitempty"`
	Text     string `json:"text"`
}

// Section 一个分类及其条目
type Section struct {
	Category Category `json:"category"`
	Items    []Item   `json:"items"`
}

// assembler 按优先级拼装上下文. 超出 Token 预算时从最低优先级的
// 非空分类末尾逐条删除，删空后整个分类移除；角色设定只在单独超限时截断
type assembler struct {
	tok    tokenizer.Tokenizer
	budget int
}

// Assemble 返回拼装后的文本、Token 数以及最终保留的分类
func (a assembler) Assemble(sections []Section) (string, int, []Section) {
	kept := make([]Section, 0, len(sections))
	for _, s := range sections {
		if len(s.Items) > 0 {
			items := make([]Item, len(s.Items))
			copy(items, s.Items)
			kept = append(kept, Section{Category: s.Category, Items: items})
		}
	}

	text := render(kept)
	tokens := a.tok.CountTokens(text)
	if a.budget <= 0 {
		return text, tokens, kept
	}

	for tokens > a.budget {
		i := len(kept) - 1
		if i < 0 || kept[i].Category == CategoryRole {
			break
		}
		kept[i].Items = kept[i].Items[:len(kept[i].Items)-1]
		if len(kept[i].Items) == 0 {
			kept = kept[:i]
		}
		text = render(kept)
		tokens = a.tok.CountTokens(text)
	}

	if tokens > a.budget {
		text = a.tok.Truncate(text, a.budget)
		tokens = a.tok.CountTokens(text)
		kept = fitSections(kept, text)
	}
	return text, tokens, kept
}

// fitSections 按截断后的文本裁剪分类：完全被截掉的条目移除，
// 被截断的条目只保留仍出现在文本中的部分
func fitSections(sections []Section, text string) []Section {
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		prefix := func(items []Item) string {
			secs := make([]Section, len(out), len(out)+1)
			copy(secs, out)
			return render(append(secs, Section{Category: s.Category, Items: items}))
		}

		cur := Section{Category: s.Category}
		for _, it := range s.Items {
			items := append(cur.Items[:len(cur.Items):len(cur.Items)], it)
			if strings.HasPrefix(text, prefix(items)) {
				cur.Items = items
				continue
			}

			it.Text = ""
			head := prefix(append(cur.Items[:len(cur.Items):len(cur.Items)], it))
			if len(text) > len(head) && strings.HasPrefix(text, head) {
				it.Text = text[len(head):]
				cur.Items = append(cur.Items, it)
			}
			if len(cur.Items) > 0 {
				out = append(out, cur)
			}
			return out
		}
		out = append(out, cur)
	}
	return out
}

func render(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(categoryTitles[s.Category])
		b.WriteString("]")
		for _, it := range s.Items {
			b.WriteString("\n")
			if s.Category != CategoryRole {
				b.WriteString("- ")
			}
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

// buildSections 把会话轮次和排序结果分到各分类中.
// summary 类型的记忆进入 Summaries，核心层级进入 Core，
// 历史聚合来源进入 Historical，其余进入 Relevant. 带摘要的记忆另在 Summaries 中出现一次
func buildSections(role string, session []types.Memory, ranked []scorer.Scored) []Section {
	sections := make([]Section, len(Categories))
	for i, c := range Categories {
		sections[i].Category = c
	}
	if role = strings.TrimSpace(role); role != "" {
		sections[0].Items = []Item{{Text: role}}
	}
	for _, m := range session {
		sections[1].Items = append(sections[1].Items, Item{MemoryID: m.ID, Text: turnText(m)})
	}

	summaries := make(map[string]struct{})
	for _, s := range ranked {
		m := s.Memory
		item := Item{MemoryID: m.ID, Text: turnText(m)}
		switch {
		case m.Type == types.MemorySummary:
			sections[5].Items = append(sections[5].Items, Item{MemoryID: m.ID, Text: m.Content})
			continue
		case m.Tier() == types.TierCore:
			sections[2].Items = append(sections[2].Items, item)
		case s.Source == "history":
			sections[3].Items = append(sections[3].Items, item)
		default:
			sections[4].Items = append(sections[4].Items, item)
		}
		if sum := strings.TrimSpace(m.Summary); sum != "" {
			if _, ok := summaries[sum]; !ok {
				summaries[sum] = struct{}{}
				sections[5].Items = append(sections[5].Items, Item{MemoryID: m.ID, Text: sum})
			}
		}
	}
	return sections
}

func turnText(m types.Memory) string {
	if m.Role == "" {
		return m.Content
	}
	return string(m.Role) + ": " + m.Content
}

// keptMemories 返回最终留在上下文中的排序结果
func keptMemories(ranked []scorer.Scored, kept []Section) []scorer.Scored {
	ids := make(map[string]struct{})
	for _, s := range kept {
		if s.Category == CategorySession {
			continue
		}
		for _, it := range s.Items {
			if it.MemoryID != "" {
				ids[it.MemoryID] = struct{}{}
			}
		}
	}
	out := make([]scorer.Scored, 0, len(ids))
	for _, s := range ranked {
		if _, ok := ids[s.Memory.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}
