package validation

import (
	"bytes"
	"mime/multipart"
	"strings"
	"testing"
)

type registerDTO struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

func TestValidateStruct(t *testing.T) {
	if errs := ValidateStruct(registerDTO{Email: "a@b.c", Password: "longenough"}); errs != nil {
		t.Fatalf("valid struct rejected: %v", errs)
	}

	errs := ValidateStruct(registerDTO{Email: "not-an-email", Password: "short"})
	if len(errs) != 2 {
		t.Fatalf("expected 2 field errors, got %v", errs)
	}
	if errs[0].Field != "email" || errs[1].Field != "password" {
		t.Fatalf("unexpected fields: %v", errs)
	}
}

// buildMultipart assembles a multipart form with the given files and parses
// it back so the tests exercise real *multipart.FileHeader values.
func buildMultipart(t *testing.T, files map[string][]byte) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(content)
	}
	w.Close()

	r := multipart.NewReader(&buf, w.Boundary())
	form, err := r.ReadForm(32 << 20)
	if err != nil {
		t.Fatalf("read form: %v", err)
	}
	t.Cleanup(func() { form.RemoveAll() })
	return form.File["files"]
}

func TestValidateAttachments(t *testing.T) {
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 64)...)

	detected, errs := ValidateAttachments(buildMultipart(t, map[string][]byte{
		"photo.png": png,
		"notes.txt": []byte("plain text notes"),
	}))
	if errs != nil {
		t.Fatalf("valid attachments rejected: %v", errs)
	}
	if detected["photo.png"] != "image/png" {
		t.Fatalf("png not detected: %v", detected)
	}
	if detected["notes.txt"] != "text/plain" {
		t.Fatalf("text not detected: %v", detected)
	}

	if _, errs := ValidateAttachments(nil); errs == nil {
		t.Fatalf("empty upload accepted")
	}

	// Executables are sniffed by content, whatever the filename claims.
	elf := append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 64)...)
	if _, errs := ValidateAttachments(buildMultipart(t, map[string][]byte{"cat.png": elf})); errs == nil {
		t.Fatalf("disguised binary accepted")
	} else if !strings.Contains(errs.Error(), "unsupported content type") {
		t.Fatalf("unexpected error: %v", errs)
	}
}
