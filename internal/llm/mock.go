// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
)

// MockAdapter is the Client used under mock_mode, so the ingress watcher
// and pipeline driver can be exercised end to end without live provider
// credentials. Response, if set, is returned verbatim; otherwise a fixed
// placeholder JSON body is returned.
type MockAdapter struct {
	Response string
	Err      error
}

func (m *MockAdapter) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	if m.Err != nil {
		return "", Usage{}, m.Err
	}
	resp := m.Response
	if resp == "" {
		resp = fmt.Sprintf(`{"mock":true,"prompt_len":%d}`, len(prompt))
	}
	return resp, Usage{Tokens: EstimateTokens(prompt, resp), Estimated: true}, nil
}
