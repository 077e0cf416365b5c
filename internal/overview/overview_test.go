package overview

import (
	"bufio"
	"strings"
	"testing"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

func TestParseSchemaRequiresXrefFull(t *testing.T) {
	_, err := ParseSchema(bufio.NewScanner(strings.NewReader("Subject\nFrom\n")))
	if err == nil {
		t.Fatalf("expected error for schema missing Xref:full")
	}
}

func TestBuildLineSanitizesAndOrders(t *testing.T) {
	schema := DefaultSchema()
	headers := map[string]string{
		"Subject":    "hello\tworld",
		"From":       "a@b",
		"Message-ID": "<a@b>",
		"Xref":       "news.example misc.test:5",
	}
	line := BuildLine(schema, func(name string) string { return headers[name] })
	fields := strings.Split(line, "\t")
	if len(fields) != len(schema.Fields) {
		t.Fatalf("got %d fields, want %d", len(fields), len(schema.Fields))
	}
	if fields[0] != "hello world" {
		t.Errorf("Subject field = %q, want sanitized", fields[0])
	}
	if !strings.HasPrefix(fields[len(fields)-1], "Xref: ") {
		t.Errorf("Xref field = %q, want Xref: prefix", fields[len(fields)-1])
	}
}

func TestAddMonotoneArtNum(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	h, _ := hashtoken.New("<a@b>")
	if err := s.Add("misc.test", 1, h, "line1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("misc.test", 1, h, "line2"); err == nil {
		t.Fatalf("expected error for non-increasing artnum")
	}
	if err := s.Add("misc.test", 2, h, "line2"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	recs, err := s.Scan("misc.test", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ArtNum != 1 || recs[1].ArtNum != 2 {
		t.Errorf("Scan() = %+v", recs)
	}
}
