// Package knowledge is the FAQ knowledge base searched for general questions.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const schema = `
CREATE TABLE IF NOT EXISTS kb_articles (
	topic TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	keywords TEXT NOT NULL DEFAULT ''
);
`

// Article is one FAQ answer.
type Article struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Keywords []string `json:"keywords"`
}

// Hit is a scored search result.
type Hit struct {
	Article
	Score float64 `json:"score"`
}

// Base stores articles in SQL and scores them in memory; the table is small.
type Base struct {
	db *sql.DB
}

// NewBase applies the knowledge schema on db.
func NewBase(db *sql.DB) (*Base, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply knowledge schema: %w", err)
	}
	return &Base{db: db}, nil
}

// Upsert inserts or replaces an article by topic.
func (b *Base) Upsert(ctx context.Context, a Article) error {
	if strings.TrimSpace(a.Topic) == "" {
		return fmt.Errorf("article topic is required")
	}
	kw := make([]string, 0, len(a.Keywords))
	for _, k := range a.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO kb_articles (topic, title, body, keywords) VALUES (?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET title = excluded.title, body = excluded.body, keywords = excluded.keywords`,
		a.Topic, a.Title, a.Body, strings.Join(kw, ","))
	if err != nil {
		return fmt.Errorf("upsert article %s: %w", a.Topic, err)
	}
	return nil
}

// Get returns the article for a topic, or nil.
func (b *Base) Get(ctx context.Context, topic string) (*Article, error) {
	var a Article
	var kw string
	err := b.db.QueryRowContext(ctx, `SELECT topic, title, body, keywords FROM kb_articles WHERE topic = ?`, topic).
		Scan(&a.Topic, &a.Title, &a.Body, &kw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", topic, err)
	}
	a.Keywords = splitKeywords(kw)
	return &a, nil
}

func (b *Base) all(ctx context.Context) ([]Article, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT topic, title, body, keywords FROM kb_articles`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()
	var out []Article
	for rows.Next() {
		var a Article
		var kw string
		if err := rows.Scan(&a.Topic, &a.Title, &a.Body, &kw); err != nil {
			return nil, fmt.Errorf("list articles: %w", err)
		}
		a.Keywords = splitKeywords(kw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Search scores articles by keyword overlap with the query. Multi-word
// keywords count double; a title word counts half. Zero-score articles are
// dropped.
func (b *Base) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 3
	}
	articles, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	words := tokenSet(q)

	var hits []Hit
	for _, a := range articles {
		var score float64
		for _, k := range a.Keywords {
			if strings.Contains(k, " ") {
				if strings.Contains(q, k) {
					score += 2
				}
				continue
			}
			if words[k] {
				score++
			}
		}
		for w := range tokenSet(strings.ToLower(a.Title)) {
			if len(w) > 3 && words[w] {
				score += 0.5
			}
		}
		if score > 0 {
			hits = append(hits, Hit{Article: a, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Topic < hits[j].Topic
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SeedDefaults inserts the default articles when the table is empty.
func (b *Base) SeedDefaults(ctx context.Context) error {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_articles`).Scan(&n); err != nil {
		return fmt.Errorf("count articles: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, a := range DefaultArticles() {
		if err := b.Upsert(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// DefaultArticles is the built-in FAQ set.
func DefaultArticles() []Article {
	return []Article{
		{
			Topic:    "branch_hours",
			Title:    "Branch opening hours",
			Body:     "Our branches are open Monday to Friday 9am to 5pm and Saturday 9am to 1pm. Phone banking is available 24/7.",
			Keywords: []string{"hours", "open", "opening", "close", "closing", "branch", "saturday", "sunday", "weekend"},
		},
		{
			Topic:    "routing_number",
			Title:    "Routing and SWIFT numbers",
			Body:     "Our ABA routing number is 021000021 and our SWIFT code is TLLRUS33. You can find both on the back of your checks too.",
			Keywords: []string{"routing", "aba", "swift", "bic", "direct deposit"},
		},
		{
			Topic:    "fees",
			Title:    "Account fees",
			Body:     "Everyday checking has no monthly fee when you keep the minimum daily balance or set up direct deposit. Overdraft transfers from savings are free.",
			Keywords: []string{"fee", "fees", "overdraft", "monthly fee", "maintenance", "charges"},
		},
		{
			Topic:    "transfers",
			Title:    "Sending money",
			Body:     "You can send money between your accounts or to other banks in the mobile app under Transfers. Domestic wires sent before 4pm go out the same day.",
			Keywords: []string{"transfer", "transfers", "wire", "zelle", "send money", "pay someone"},
		},
		{
			Topic:    "online_banking",
			Title:    "Online and mobile banking access",
			Body:     "To reset your online banking password, tap Forgot password on the sign-in screen. We will never ask for your password in a message.",
			Keywords: []string{"password", "login", "log in", "sign in", "app", "online banking", "locked out"},
		},
		{
			Topic:    "open_account",
			Title:    "Opening an account",
			Body:     "You can open a checking or savings account in the app in about ten minutes with a government ID, or visit any branch.",
			Keywords: []string{"open an account", "new account", "savings account", "checking account", "join"},
		},
		{
			Topic:    "contact",
			Title:    "Contacting us",
			Body:     "You can reach our support team by phone any time, or visit a branch during opening hours.",
			Keywords: []string{"contact", "phone number", "call", "address", "email"},
		},
	}
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = true
	}
	return out
}
