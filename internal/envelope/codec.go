package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"inlet/internal/constants"
)

var (
	ErrEmptyBody        = errors.New("empty envelope body")
	ErrTooManyItems     = errors.New("too many items in envelope")
	ErrItemTooLarge     = errors.New("item payload exceeds size limit")
	ErrTruncatedPayload = errors.New("item payload truncated")
)

// Parse decodes the framed wire form: one JSON header line, then zero or
// more items, each a JSON item-header line followed by its payload.
// Payloads with a declared length are read verbatim (binary safe);
// payloads without one run to the end of the line.
func Parse(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyBody
	}

	rd := bufio.NewReader(bytes.NewReader(raw))

	headerLine, err := readLine(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("invalid envelope header: %w", err)
	}

	env := &Envelope{Header: header}

	for {
		line, err := readLine(rd)
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				break
			}
			continue
		}

		if len(env.Items) >= constants.MaxItemsPerEnvelope {
			return nil, ErrTooManyItems
		}

		var itemHeader ItemHeader
		if jsonErr := json.Unmarshal(line, &itemHeader); jsonErr != nil {
			return nil, fmt.Errorf("invalid item header: %w", jsonErr)
		}
		if itemHeader.Type == "" {
			return nil, fmt.Errorf("item header missing type")
		}

		payload, payloadErr := readPayload(rd, itemHeader.Length)
		if payloadErr != nil {
			return nil, payloadErr
		}

		env.Items = append(env.Items, &Item{
			Header:  itemHeader,
			Payload: payload,
		})

		if err != nil {
			break
		}
	}

	return env, nil
}

func readPayload(rd *bufio.Reader, length *int) ([]byte, error) {
	if length == nil {
		line, err := readLine(rd)
		if err != nil && len(line) == 0 {
			return []byte{}, nil
		}
		if len(line) > constants.MaxItemSize {
			return nil, ErrItemTooLarge
		}
		return line, nil
	}

	n := *length
	if n < 0 {
		return nil, fmt.Errorf("negative item length")
	}
	if n > constants.MaxItemSize {
		return nil, ErrItemTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return nil, ErrTruncatedPayload
	}

	// Trailing newline after a sized payload is part of the framing,
	// not the payload.
	if b, err := rd.ReadByte(); err == nil && b != '\n' {
		_ = rd.UnreadByte()
	}

	return payload, nil
}

// readLine returns the next line without its terminator. A non-nil error
// together with non-empty data means the data is the final unterminated
// line.
func readLine(rd *bufio.Reader) ([]byte, error) {
	line, err := rd.ReadBytes('\n')
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, err
}

// Serialize re-encodes the envelope to wire form. Every item is written
// with an explicit length so the output is binary safe regardless of how
// the input framed it.
func (e *Envelope) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	headerJSON, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope header: %w", err)
	}
	buf.Write(headerJSON)
	buf.WriteByte('\n')

	for _, item := range e.Items {
		itemHeader := item.Header
		n := len(item.Payload)
		itemHeader.Length = &n

		itemJSON, err := json.Marshal(itemHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item header: %w", err)
		}
		buf.Write(itemJSON)
		buf.WriteByte('\n')
		buf.Write(item.Payload)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
