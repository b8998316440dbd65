package llm

import "context"

// MockClient implements Client for tests: it records every prompt it
// receives and replies with a canned Response or error.
type MockClient struct {
	Response *Response
	Err      error
	Calls    []string
}

func (m *MockClient) Complete(_ context.Context, prompt string) (*Response, error) {
	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}
