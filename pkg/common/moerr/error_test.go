// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	err := NewInvalidInputNoCtxf("bad value %d", 7)
	require.True(t, IsMoErrCode(err, ErrInvalidInput))
	require.False(t, IsMoErrCode(err, ErrInternal))
	require.Contains(t, err.Error(), "bad value 7")

	require.False(t, IsMoErrCode(errors.New("plain"), ErrInvalidInput))
	require.False(t, IsMoErrCode(nil, ErrInvalidInput))
}

func TestErrorIs(t *testing.T) {
	err := NewNotSupportedNoCtxf("feature %s", "x")
	wrapped := fmt.Errorf("outer: %w", err)
	require.True(t, IsMoErrCode(wrapped, ErrNotSupported))
	require.ErrorIs(t, wrapped, err)
}
