package blob

import "testing"

func TestObjectKey(t *testing.T) {
	got := ObjectKey("doc_1", "att_2", "protocol.pdf")
	want := "doc_1/att_2/protocol.pdf"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
