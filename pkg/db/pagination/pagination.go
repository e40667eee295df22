package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultSize = 20
	MaxSize     = 200
)

// Order is a single sort clause parsed from a "field,direction" pair.
type Order struct {
	Field string
	Desc  bool
}

// Params carries offset pagination parsed from the request query.
type Params struct {
	Page int
	Size int
	Sort []Order
}

// Parse reads page, size and sort query parameters. Sort fields must be
// present in the allowed set to keep ORDER BY injection-safe.
func Parse(query url.Values, allowed map[string]bool) (Params, error) {
	params := Params{Page: 0, Size: DefaultSize}

	if raw := strings.TrimSpace(query.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 0 {
			return Params{}, fmt.Errorf("invalid page %q", raw)
		}
		params.Page = page
	}

	if raw := strings.TrimSpace(query.Get("size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return Params{}, fmt.Errorf("invalid size %q", raw)
		}
		if size > MaxSize {
			size = MaxSize
		}
		params.Size = size
	}

	for _, raw := range query["sort"] {
		order, err := parseOrder(raw, allowed)
		if err != nil {
			return Params{}, err
		}
		params.Sort = append(params.Sort, order)
	}

	return params, nil
}

func parseOrder(raw string, allowed map[string]bool) (Order, error) {
	parts := strings.Split(raw, ",")
	field := strings.TrimSpace(parts[0])
	if field == "" || !allowed[field] {
		return Order{}, fmt.Errorf("unsupported sort field %q", field)
	}

	order := Order{Field: field}
	if len(parts) > 1 {
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "", "asc":
		case "desc":
			order.Desc = true
		default:
			return Order{}, fmt.Errorf("unsupported sort direction %q", parts[1])
		}
	}
	return order, nil
}

// Offset converts the zero-based page into a row offset.
func (p Params) Offset() int {
	return p.Page * p.Size
}

// OrderClause renders the sort orders into an ORDER BY clause body.
func (p Params) OrderClause() string {
	if len(p.Sort) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(p.Sort))
	for _, order := range p.Sort {
		direction := "ASC"
		if order.Desc {
			direction = "DESC"
		}
		clauses = append(clauses, order.Field+" "+direction)
	}
	return strings.Join(clauses, ", ")
}

// Page is the offset pagination response envelope.
type Page[T any] struct {
	Content          []T   `json:"content"`
	PageNumber       int   `json:"page"`
	Size             int   `json:"size"`
	TotalElements    int64 `json:"totalElements"`
	TotalPages       int   `json:"totalPages"`
	First            bool  `json:"first"`
	Last             bool  `json:"last"`
	NumberOfElements int   `json:"numberOfElements"`
	Empty            bool  `json:"empty"`
}

// NewPage assembles the response envelope for one page of content.
func NewPage[T any](content []T, params Params, total int64) Page[T] {
	if content == nil {
		content = []T{}
	}

	totalPages := 0
	if params.Size > 0 {
		totalPages = int((total + int64(params.Size) - 1) / int64(params.Size))
	}

	last := params.Page >= totalPages-1
	if totalPages == 0 {
		last = true
	}

	return Page[T]{
		Content:          content,
		PageNumber:       params.Page,
		Size:             params.Size,
		TotalElements:    total,
		TotalPages:       totalPages,
		First:            params.Page == 0,
		Last:             last,
		NumberOfElements: len(content),
		Empty:            len(content) == 0,
	}
}
