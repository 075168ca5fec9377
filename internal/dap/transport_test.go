package dap

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	content := json.RawMessage(`{"test": "value"}`)

	msg := &Message{
		ContentLength: len(content),
		Content:       content,
	}

	if err := writeMessage(&buf, msg); err != nil {
		t.Fatalf("write message: %v", err)
	}

	result := buf.String()
	if !strings.HasPrefix(result, "Content-Length: 17\r\n\r\n") {
		t.Errorf("unexpected header: %q", result)
	}

	if !strings.HasSuffix(result, `{"test": "value"}`) {
		t.Errorf("unexpected content: %q", result)
	}
}

func TestReadMessage(t *testing.T) {
	input := "Content-Length: 17\r\n\r\n{\"test\": \"value\"}"
	bufReader := bufio.NewReader(strings.NewReader(input))

	msg, err := readMessage(bufReader)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	if msg.ContentLength != 17 {
		t.Errorf("expected ContentLength 17, got %d", msg.ContentLength)
	}

	var parsed map[string]string
	if err := json.Unmarshal(msg.Content, &parsed); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}

	if parsed["test"] != "value" {
		t.Errorf("expected 'value', got '%s'", parsed["test"])
	}
}

func TestReadMessageWithContentType(t *testing.T) {
	input := "Content-Length: 2\r\nContent-Type: application/json\r\n\r\n{}"
	bufReader := bufio.NewReader(strings.NewReader(input))

	msg, err := readMessage(bufReader)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	if msg.ContentType != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", msg.ContentType)
	}
}

func TestReadMessageMissingContentLength(t *testing.T) {
	input := "Content-Type: application/json\r\n\r\n{}"
	bufReader := bufio.NewReader(strings.NewReader(input))

	if _, err := readMessage(bufReader); err == nil {
		t.Error("expected error for missing Content-Length")
	}
}

func TestReadMessageInvalidHeader(t *testing.T) {
	input := "InvalidHeader\r\n\r\n"
	bufReader := bufio.NewReader(strings.NewReader(input))

	if _, err := readMessage(bufReader); err == nil {
		t.Error("expected error for invalid header")
	}
}

func TestReadMessageRejectsOversizedContent(t *testing.T) {
	input := "Content-Length: 99999999999\r\n\r\n"
	bufReader := bufio.NewReader(strings.NewReader(input))

	if _, err := readMessage(bufReader); err == nil {
		t.Error("expected error for oversized content-length")
	}
}

func TestSocketTransportRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	st := NewSocketTransportFromConn(client)
	defer st.Close()

	content := json.RawMessage(`{"seq":1,"type":"request","command":"threads"}`)
	sent := &Message{ContentLength: len(content), Content: content}

	errc := make(chan error, 1)
	go func() {
		errc <- st.Send(sent)
	}()

	reader := bufio.NewReader(server)
	got, err := readMessage(reader)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(got.Content) != string(content) {
		t.Errorf("content mismatch: %q", got.Content)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not complete")
	}
}
