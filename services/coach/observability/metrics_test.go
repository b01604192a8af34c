// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_Singleton(t *testing.T) {
	first := InitMetrics()
	require.NotNil(t, first)

	second := InitMetrics()
	assert.Same(t, first, second)
}

func TestHelpers_NilSafe(t *testing.T) {
	var m *TurnMetrics

	assert.NotPanics(t, func() {
		m.RecordTurn("ADVANCE_WEEKLY", "success")
		m.RecordTurnDuration("WEEKLY", 0.5)
		m.RecordInferenceFailure("counsel")
		m.RecordSessionCompleted("1")
		m.RecordOffTopicTurn()
		m.RecordForcedExit()
	})
}

func TestHelpers_Record(t *testing.T) {
	m := InitMetrics()

	assert.NotPanics(t, func() {
		m.RecordTurn("CONTINUE_WEEKLY", "fallback")
		m.RecordTurnDuration("GENERAL", 1.2)
		m.RecordInferenceFailure("selector")
		m.RecordSessionCompleted("3")
		m.RecordOffTopicTurn()
		m.RecordForcedExit()
	})
}
