package specpipeline

import "testing"

func TestChunkDocumentSplitsOnHeadings(t *testing.T) {
	raw := "# Intro\n\nSome preamble text.\n\n## Login\n\nUsers can log in with email and password.\n\n- step one\n- step two\n\n## Logout\n\nUsers can log out.\n"

	chunks := ChunkDocument(raw)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	if chunks[0].Section != "Intro" {
		t.Errorf("chunk 0 section = %q, want Intro", chunks[0].Section)
	}
	if chunks[1].Section != "Login" {
		t.Errorf("chunk 1 section = %q, want Login", chunks[1].Section)
	}
	if chunks[2].Section != "Logout" {
		t.Errorf("chunk 2 section = %q, want Logout", chunks[2].Section)
	}
}

func TestChunkDocumentEmptyInput(t *testing.T) {
	if chunks := ChunkDocument(""); len(chunks) != 0 {
		t.Errorf("empty doc produced %d chunks, want 0", len(chunks))
	}
}

func TestChunkDocumentNoHeadings(t *testing.T) {
	chunks := ChunkDocument("Just a paragraph with no heading at all.")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Section != "" {
		t.Errorf("section = %q, want empty for preamble-only doc", chunks[0].Section)
	}
}
