// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
)

// InputReader reads one line of user input at a time.
type InputReader interface {
	// ReadLine returns the trimmed line, or io.EOF when input ends.
	ReadLine() (string, error)
}

// PromptingInputReader is an InputReader that draws its own prompt.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// =============================================================================
// Line reader
// =============================================================================

// LineReader reads newline-terminated input from any reader. It is used for
// piped stdin.
type LineReader struct {
	reader *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns a final unterminated line before io.EOF.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// Interactive reader
// =============================================================================

// InteractiveReader edits lines with bubbletea and keeps an in-memory
// history navigable with the arrow keys.
//
// Ctrl+C clears the line and returns "", Ctrl+D on an empty line returns
// io.EOF.
type InteractiveReader struct {
	history    []string
	maxHistory int
	prompt     string
}

// NewInputReader returns an InteractiveReader when stdin is a terminal and a
// LineReader otherwise.
func NewInputReader(maxHistory int) InputReader {
	if !IsTerminal(os.Stdin) {
		return NewLineReader(os.Stdin)
	}
	return &InteractiveReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
}

func (r *InteractiveReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

func (r *InteractiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 8192
	ti.Width = 80

	p := tea.NewProgram(newInputModel(ti, r.history), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.history = appendHistory(r.history, input, r.maxHistory)
	}
	return input, nil
}

// appendHistory skips immediate repeats and keeps at most max entries.
func appendHistory(history []string, input string, max int) []string {
	if len(history) > 0 && history[len(history)-1] == input {
		return history
	}
	history = append(history, input)
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	draft        string
	done         bool
	eof          bool
}

func newInputModel(ti textinput.Model, history []string) inputModel {
	return inputModel{textInput: ti, history: history, historyIndex: -1}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlC:
		m.textInput.SetValue("")
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlD:
		if m.textInput.Value() != "" {
			return m, nil
		}
		m.eof = true
		m.done = true
		return m, tea.Quit

	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.historyIndex == -1 {
			m.draft = m.textInput.Value()
			m.historyIndex = len(m.history) - 1
		} else if m.historyIndex > 0 {
			m.historyIndex--
		}
		m.textInput.SetValue(m.history[m.historyIndex])
		m.textInput.CursorEnd()
		return m, nil

	case tea.KeyDown:
		if m.historyIndex == -1 {
			return m, nil
		}
		if m.historyIndex < len(m.history)-1 {
			m.historyIndex++
			m.textInput.SetValue(m.history[m.historyIndex])
		} else {
			m.historyIndex = -1
			m.textInput.SetValue(m.draft)
		}
		m.textInput.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// Scripted reader
// =============================================================================

// ScriptedReader returns fixed lines, then io.EOF. Used in tests.
type ScriptedReader struct {
	lines []string
	index int
}

func NewScriptedReader(lines ...string) *ScriptedReader {
	return &ScriptedReader{lines: lines}
}

func (s *ScriptedReader) ReadLine() (string, error) {
	if s.index >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.index]
	s.index++
	return strings.TrimSpace(line), nil
}

// =============================================================================
// Confirmation
// =============================================================================

// Confirm asks a yes/no question. Without a terminal it returns false
// rather than blocking on a prompt nobody can answer.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, nil
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}
