package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestPrintFields(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printFields(&buf, []string{"order"}, false)
	out := buf.String()

	assert.Contains(t, out, "order\n")
	assert.Contains(t, out, "  status ")
	assert.Contains(t, out, "-> client")
	assert.Contains(t, out, "-> recurring_order")
}

func TestPrintFields_ForeignKeysOnly(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printFields(&buf, []string{"task", "spaceship"}, true)
	out := buf.String()

	assert.Contains(t, out, "task_state_id")
	assert.NotContains(t, out, "due_date")
	assert.Contains(t, out, "spaceship\n  (no fields)\n")
}
