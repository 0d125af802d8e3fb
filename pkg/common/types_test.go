// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewerThanCommittedOrdering(t *testing.T) {
	a := MakeCommitted(5)
	b := MakeCommitted(10)
	assert.True(t, NewerThan(b, a))
	assert.False(t, NewerThan(a, b))
	assert.False(t, NewerThan(a, a))
}

func TestNewerThanRunningAlwaysNewerThanCommitted(t *testing.T) {
	committed := MakeCommitted(1000)
	running := MakeRunning(1)
	assert.True(t, NewerThan(running, committed))
	assert.False(t, NewerThan(committed, running))
}

func TestTupleSlotPackRoundTrip(t *testing.T) {
	s := TupleSlot{Block: 42, Offset: 7}
	assert.Equal(t, s, UnpackTupleSlot(s.Pack()))
}

func TestColumnTypeFixedSize(t *testing.T) {
	assert.Equal(t, 8, ColBigInt.FixedSize())
	assert.Equal(t, 0, ColVarchar.FixedSize())
	assert.True(t, ColVarchar.IsVarlen())
	assert.False(t, ColBigInt.IsVarlen())
}

func TestInvalidTsIsNeitherRunningNorCommitted(t *testing.T) {
	assert.False(t, InvalidTs.IsRunning())
	assert.False(t, InvalidTs.IsCommitted())
}
