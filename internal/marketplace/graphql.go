package marketplace

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/ternarybob/polymer/internal/models"
)

const (
	opListOrders     = "ListOrders"
	opLikedCreations = "LikedCreations"
)

//go:embed queries.graphql
var queryDocument string

type graphqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]int `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse[T any] struct {
	Data *struct {
		Me *T `json:"me"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type likedPage struct {
	LikedCreations []models.Creation `json:"likedCreations"`
}

type ordersPage struct {
	Orders []models.Order `json:"orders"`
}

// Liked lists the account's liked creations, page by page from offset 0.
func (c *Client) Liked(ctx context.Context, pageSize int) iter.Seq2[models.Creation, error] {
	return func(yield func(models.Creation, error) bool) {
		paginate(ctx, c, opLikedCreations, pageSize, func(p *likedPage) ([]models.Creation, int) {
			return p.LikedCreations, len(p.LikedCreations)
		}, yield)
	}
}

// Orders lists every line of every order. The stop rule counts orders,
// not lines, since the page limit applies to orders.
func (c *Client) Orders(ctx context.Context, pageSize int) iter.Seq2[models.OrderLine, error] {
	return func(yield func(models.OrderLine, error) bool) {
		paginate(ctx, c, opListOrders, pageSize, func(p *ordersPage) ([]models.OrderLine, int) {
			var lines []models.OrderLine
			for _, order := range p.Orders {
				lines = append(lines, order.Lines...)
			}
			return lines, len(p.Orders)
		}, yield)
	}
}

// paginate walks offsets until a page holds fewer than pageSize records. A
// page is decoded in full before any of its items are yielded.
func paginate[P, T any](ctx context.Context, c *Client, operation string, pageSize int, items func(*P) ([]T, int), yield func(T, error) bool) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	for offset := 0; ; offset += pageSize {
		page, err := query[P](ctx, c, operation, offset, pageSize)
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}

		records, count := items(page)
		for _, record := range records {
			if !yield(record, nil) {
				return
			}
		}

		c.logger.Debug().
			Str("operation", operation).
			Int("offset", offset).
			Int("count", count).
			Msg("Fetched page")

		if count < pageSize {
			return
		}
	}
}

func query[T any](ctx context.Context, c *Client, operation string, offset, limit int) (*T, error) {
	endpoint := c.baseURL + graphqlPath

	body, err := json.Marshal(graphqlRequest{
		Query:         queryDocument,
		OperationName: operation,
		Variables:     map[string]int{"offset": offset, "limit": limit},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s query: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, remoteError(ErrRemoteUnavailable, operation, endpoint, 0, err)
	}
	req.SetBasicAuth(c.credentials.Nickname, c.credentials.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, operation, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, remoteError(ErrAuthRequired, operation, endpoint, resp.StatusCode, nil)
	case !isSuccess(resp.StatusCode):
		return nil, remoteError(ErrRemoteUnavailable, operation, endpoint, resp.StatusCode, nil)
	}

	var result graphqlResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, remoteError(ErrMalformedResponse, operation, endpoint, resp.StatusCode, err)
	}

	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			messages = append(messages, e.Message)
		}
		return nil, malformed(operation, endpoint, "graphql errors: %s", strings.Join(messages, "; "))
	}
	if result.Data == nil || result.Data.Me == nil {
		return nil, malformed(operation, endpoint, "response has no data.me")
	}

	return result.Data.Me, nil
}
