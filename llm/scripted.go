// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package llm

import (
	"context"
	"sync"

	agenterrors "pod-healer/errors"
)

// ScriptedCall records one invocation of a ScriptedClient.
type ScriptedCall struct {
	Purpose string
	System  string
	User    string
}

// ScriptedClient replays canned responses in order and records every call.
// Planner, reflection and agent tests drive the loop with it instead of a
// live model. Exhausting the script fails the call, which doubles as a test
// for the degraded (LLM down) paths.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []ScriptedCall
}

// NewScripted returns a client that answers with the given responses in order.
func NewScripted(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// NewScriptedError returns a client whose every call fails with err wrapped
// as an LLM error.
func NewScriptedError(err error) *ScriptedClient {
	return &ScriptedClient{err: err}
}

func (s *ScriptedClient) Chat(_ context.Context, purpose, system, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, ScriptedCall{Purpose: purpose, System: system, User: user})

	if s.err != nil {
		return "", agenterrors.LLMErrorf("llm.scripted", s.err, "%s completion", purpose)
	}
	if len(s.responses) == 0 {
		return "", agenterrors.Newf(agenterrors.CategoryLLM, "llm.scripted", "script exhausted on %s", purpose)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

// Append queues further responses onto the script.
func (s *ScriptedClient) Append(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// Calls returns a copy of every recorded call.
func (s *ScriptedClient) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times Chat was invoked.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
