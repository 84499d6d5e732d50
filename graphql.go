package portal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// GraphQLRequest is the body posted to the GraphQL endpoint.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// GraphQLResult is a GraphQL reply without errors.
type GraphQLResult struct {
	Data       json.RawMessage
	Extensions json.RawMessage
	Response   *Response
}

// Decode unmarshals Data into v. A shape mismatch is a GraphQLError.
func (r *GraphQLResult) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		ce := &ClientError{
			Type:      ErrorTypeGraphQL,
			Message:   "cannot decode GraphQL data",
			Cause:     err,
			Timestamp: time.Now(),
		}
		if r.Response != nil {
			ce.StatusCode = r.Response.StatusCode
			ce.RequestID = r.Response.RequestID
		}
		return ce
	}
	return nil
}

// Get returns the value at a gjson path in Data.
func (r *GraphQLResult) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Data, path)
}

// Query runs a GraphQL query.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, opts ...CallOption) (*GraphQLResult, error) {
	return c.graphql(ctx, GraphQLRequest{Query: query, Variables: variables}, opts)
}

// Mutate runs a GraphQL mutation.
func (c *Client) Mutate(ctx context.Context, mutation string, variables map[string]any, opts ...CallOption) (*GraphQLResult, error) {
	return c.graphql(ctx, GraphQLRequest{Query: mutation, Variables: variables}, opts)
}

// GraphQL posts req to the GraphQL endpoint. A reply carrying "errors" is
// returned as a GraphQLError whose Details hold the full error list.
func (c *Client) GraphQL(ctx context.Context, req GraphQLRequest, opts ...CallOption) (*GraphQLResult, error) {
	return c.graphql(ctx, req, opts)
}

func (c *Client) graphql(ctx context.Context, req GraphQLRequest, opts []CallOption) (*GraphQLResult, error) {
	if req.Query == "" {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "GraphQL query is required", Path: c.cfg.GraphQLPath, Timestamp: time.Now()}
	}
	resp, err := c.Post(ctx, c.cfg.GraphQLPath, req, opts...)
	if err != nil {
		return nil, err
	}
	return parseGraphQLResponse(resp)
}

func parseGraphQLResponse(resp *Response) (*GraphQLResult, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, &ClientError{
			Type:       ErrorTypeGraphQL,
			Message:    "GraphQL response is not valid JSON",
			StatusCode: resp.StatusCode,
			RequestID:  resp.RequestID,
			Body:       resp.Body,
			Timestamp:  time.Now(),
		}
	}

	parsed := gjson.ParseBytes(resp.Body)
	if errs := parsed.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		first := errs.Array()[0]
		ce := &ClientError{
			Type:       ErrorTypeGraphQL,
			Message:    first.Get("message").String(),
			Code:       first.Get("extensions.code").String(),
			StatusCode: resp.StatusCode,
			RequestID:  resp.RequestID,
			Body:       resp.Body,
			Details:    map[string]any{"errors": errs.Value()},
			Timestamp:  time.Now(),
		}
		if ce.Message == "" {
			ce.Message = "GraphQL request failed"
		}
		return nil, ce
	}

	result := &GraphQLResult{Response: resp}
	if data := parsed.Get("data"); data.Exists() {
		result.Data = json.RawMessage(data.Raw)
	}
	if ext := parsed.Get("extensions"); ext.Exists() {
		result.Extensions = json.RawMessage(ext.Raw)
	}
	return result, nil
}
