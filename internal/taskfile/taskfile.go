// Package taskfile reads and writes markdown task files: a YAML front matter
// block followed by a title heading and free-form body. Task directories can
// be imported into the store so sessions can attach to them.
package taskfile

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/store"
)

const delimiter = "---"

// File is one parsed task file. Optional front-matter keys that were absent
// stay empty and are omitted again on serialization.
type File struct {
	ID        string   `yaml:"id"`
	Status    string   `yaml:"status"`
	Priority  string   `yaml:"priority"`
	Epic      string   `yaml:"epic,omitempty"`
	Assignee  string   `yaml:"assignee,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
	Branch    string   `yaml:"branch,omitempty"`
	SessionID string   `yaml:"session_id,omitempty"`

	Title string `yaml:"-"`
	Body  string `yaml:"-"`
}

// Parse reads a task file: front matter between two "---" lines, then the
// first "#" heading as title, then the body.
func Parse(content []byte) (*File, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(text, delimiter+"\n") {
		return nil, apperrors.Validation("content", "missing front matter opening delimiter")
	}
	rest := text[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return nil, apperrors.Validation("content", "missing front matter closing delimiter")
	}
	matter, body := rest[:end+1], rest[end+len(delimiter)+1:]
	body = strings.TrimPrefix(body, "\n")

	var f File
	if err := yaml.Unmarshal([]byte(matter), &f); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if f.ID == "" {
		return nil, apperrors.Validation("id", "task file has no id")
	}

	title, remainder := splitTitle(body)
	if title == "" {
		return nil, apperrors.Validation("title", "task file has no title heading")
	}
	f.Title = title
	f.Body = strings.TrimSpace(remainder)
	return &f, nil
}

// splitTitle extracts the first "# " heading and returns everything after it.
func splitTitle(body string) (string, string) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:]), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", body
}

// Serialize writes the file back out. Parse-then-Serialize reproduces the
// same front-matter keys and title.
func (f *File) Serialize() ([]byte, error) {
	matter, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("serialize front matter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(delimiter + "\n")
	b.Write(matter)
	b.WriteString(delimiter + "\n\n")
	b.WriteString("# " + f.Title + "\n")
	if f.Body != "" {
		b.WriteString("\n" + f.Body + "\n")
	}
	return b.Bytes(), nil
}

// Task converts the file into a store task, validating the enums.
func (f *File) Task(projectID string) (*store.Task, error) {
	status := store.TaskStatus(f.Status)
	switch status {
	case store.TaskTodo, store.TaskInProgress, store.TaskBlocked, store.TaskNeedsReview, store.TaskDone:
	case "":
		status = store.TaskTodo
	default:
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown task status %q", f.Status))
	}

	priority := store.TaskPriority(f.Priority)
	switch priority {
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh, store.PriorityCritical:
	case "":
		priority = store.PriorityMedium
	default:
		return nil, apperrors.Validation("priority", fmt.Sprintf("unknown task priority %q", f.Priority))
	}

	return &store.Task{
		ID:          f.ID,
		ProjectID:   projectID,
		Title:       f.Title,
		Description: f.Body,
		Status:      status,
		Priority:    priority,
		Assignee:    f.Assignee,
		SessionID:   f.SessionID,
		Branch:      f.Branch,
		Tags:        f.Tags,
	}, nil
}

// FromTask builds a serializable file from a store task.
func FromTask(task *store.Task) *File {
	return &File{
		ID:        task.ID,
		Status:    string(task.Status),
		Priority:  string(task.Priority),
		Assignee:  task.Assignee,
		Tags:      task.Tags,
		Branch:    task.Branch,
		SessionID: task.SessionID,
		Title:     task.Title,
		Body:      task.Description,
	}
}
