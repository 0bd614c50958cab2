package convert

import (
	"context"
	"io"
	"os"
)

// Assemble concatenates the ordered per-chunk artifacts into dest. Bytes land
// in a staging file first and rename into place on success, so a reader never
// observes a half-written artifact. Every part is removed best-effort no
// matter how far assembly got.
func Assemble(ctx context.Context, parts []string, dest string) error {
	staging := dest + ".partial"

	err := combine(ctx, parts, staging)
	removeFiles(parts)
	if err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		os.Remove(staging)
		return &AssemblyError{Part: staging, Err: err}
	}
	return nil
}

func combine(ctx context.Context, parts []string, staging string) error {
	out, err := os.Create(staging)
	if err != nil {
		return &AssemblyError{Part: staging, Err: err}
	}
	defer out.Close()

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return &AssemblyError{Part: part, Err: err}
		}
		in, err := os.Open(part)
		if err != nil {
			return &AssemblyError{Part: part, Err: err}
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return &AssemblyError{Part: part, Err: err}
		}
	}
	if err := out.Close(); err != nil {
		return &AssemblyError{Part: staging, Err: err}
	}
	return nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
