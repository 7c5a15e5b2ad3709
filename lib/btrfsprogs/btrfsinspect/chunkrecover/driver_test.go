// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsprogs/btrfsinspect/chunkrecover"
)

func TestPromptYes(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	confirm := chunkrecover.Prompt(strings.NewReader("y\n"), &out)
	ok, err := confirm(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPromptDefaultNo(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	confirm := chunkrecover.Prompt(strings.NewReader("\n"), &out)
	ok, err := confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromptOverlongAnswerReprompts(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	overlong := strings.Repeat("y", 64)
	confirm := chunkrecover.Prompt(strings.NewReader(overlong+"\ny\n"), &out)
	ok, err := confirm(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "please answer y or n")
}
