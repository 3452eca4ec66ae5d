package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rowforge/rowforge/internal/hash"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

const maxIngestLineBytes = 4 * 1024 * 1024

// Ingestor loads JSONL chat records into an archive node. Each line is an
// independent record; malformed lines are reported per line and never abort
// the run.
type Ingestor struct {
	store store.Store
}

// NewIngestor creates an Ingestor.
func NewIngestor(st store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Errors  []IngestError `json:"errors,omitempty"`
}

// IngestError describes one rejected line.
type IngestError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type ingestRecord struct {
	Messages []models.ChatMessage `json:"messages"`
	Output   *models.ChatMessage  `json:"output,omitempty"`
	Split    models.Split         `json:"split,omitempty"`
}

// IngestJSONL reads chat records from r into the archive node. Records with a
// trailing assistant message and no explicit output use that message as the
// output. Entries are created PENDING; a driver invocation finalizes them.
func (ing *Ingestor) IngestJSONL(ctx context.Context, node *models.Node, r io.Reader) (*IngestReport, error) {
	if node.Type != models.NodeTypeArchive {
		return nil, fmt.Errorf("ingestion targets archive nodes, got %q", node.Type)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxIngestLineBytes)

	report := &IngestReport{}
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec ingestRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			report.Errors = append(report.Errors, IngestError{Line: line, Message: "invalid JSON: " + err.Error()})
			continue
		}

		output := rec.Output
		messages := rec.Messages
		if output == nil && len(messages) > 0 {
			if last := messages[len(messages)-1]; last.Role == "assistant" {
				output = &last
				messages = messages[:len(messages)-1]
			}
		}
		if len(messages) == 0 {
			report.Errors = append(report.Errors, IngestError{Line: line, Message: "record has no input messages"})
			continue
		}
		if output == nil {
			report.Errors = append(report.Errors, IngestError{Line: line, Message: "record has no output message"})
			continue
		}

		split := rec.Split
		switch split {
		case "":
			split = models.SplitTrain
		case models.SplitTrain, models.SplitTest:
		default:
			report.Errors = append(report.Errors, IngestError{Line: line, Message: fmt.Sprintf("invalid split %q", rec.Split)})
			continue
		}

		if err := ing.storeRecord(ctx, node, messages, *output, split); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				report.Skipped++
				continue
			}
			return nil, fmt.Errorf("store record at line %d: %w", line, err)
		}
		report.Created++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return report, nil
}

func (ing *Ingestor) storeRecord(ctx context.Context, node *models.Node, messages []models.ChatMessage, output models.ChatMessage, split models.Split) error {
	input := models.EntryInput{Messages: messages}
	inputHash, err := hash.EntryInputHash(input)
	if err != nil {
		return err
	}
	out := models.EntryOutput{Message: output}
	outputHash, err := hash.EntryOutputHash(out)
	if err != nil {
		return err
	}

	inputPayload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input payload: %w", err)
	}
	outputPayload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output payload: %w", err)
	}
	if err := ing.store.PutPayload(ctx, inputHash, inputPayload); err != nil {
		return err
	}
	if err := ing.store.PutPayload(ctx, outputHash, outputPayload); err != nil {
		return err
	}

	now := time.Now().UTC()
	return ing.store.CreateEntry(ctx, &models.NodeEntry{
		ID:           uuid.New(),
		NodeID:       node.ID,
		PersistentID: uuid.New(),
		Status:       models.EntryStatusPending,
		InputHash:    inputHash,
		OutputHash:   outputHash,
		Split:        split,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}
