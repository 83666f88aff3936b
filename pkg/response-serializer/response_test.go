package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestTimedResponseSerialization(t *testing.T) {
	body := []byte(`{"quotes":[]}`)
	res := http.Response{
		StatusCode:    201,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        map[string][]string{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Add("Test", "-ing")
	storedAt := time.Now()
	bts, err := StoredResponseToBytes(TimedResponse{
		Response: &res,
		StoredAt: storedAt,
	})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	// deserialize
	res2, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	// check header, times
	if res2.Response.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", res2.Response.Header)
	}
	if res2.Response.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Stored-at header leaked %+v", res2.Response.Header)
	}
	if res2.Response.StatusCode != 201 {
		t.Fatalf("Status is %d", res2.Response.StatusCode)
	}
	if !res2.StoredAt.Equal(time.Unix(0, storedAt.UnixNano())) {
		t.Fatalf("Stored at %s, expected %s", res2.StoredAt, storedAt)
	}
	got, _ := io.ReadAll(res2.Response.Body)
	if string(got) != string(body) {
		t.Fatalf("Body: %s", got)
	}
}

func TestBytesToStoredResponseRejectsGarbage(t *testing.T) {
	if _, err := BytesToStoredResponse([]byte("not a response")); err == nil {
		t.Fatal("Expected error")
	}
}
