package utils

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string][]byte{
		formatJPEG: {0xFF, 0xD8, 0xFF, 0xE0},
		formatPNG:  {0x89, 'P', 'N', 'G', 0x0D, 0x0A},
		formatGIF:  []byte("GIF89a...."),
		formatWebP: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "),
		formatAVIF: []byte("\x00\x00\x00\x1cftypavif"),
		formatHEIF: []byte("\x00\x00\x00\x1cftypheic"),
		formatTIFF: {'I', 'I', 0x2A, 0x00, 0x08},
		formatBMP:  []byte("BM\x00\x00\x00\x00"),
		formatSVG:  []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`),
	}
	for want, data := range cases {
		if got := DetectFormat(data); got != want {
			t.Errorf("DetectFormat(%q): got %s, want %s", want, got, want)
		}
	}
	if got := DetectFormat([]byte("hi")); got != formatUnknown {
		t.Errorf("short input: got %s, want unknown", got)
	}
}

func TestScaleDimensions(t *testing.T) {
	w, h := ScaleDimensions(400, 300, 100, 0)
	if w != 100 || h != 75 {
		t.Errorf("width only: got %dx%d, want 100x75", w, h)
	}
	w, h = ScaleDimensions(400, 300, 0, 150)
	if w != 200 || h != 150 {
		t.Errorf("height only: got %dx%d, want 200x150", w, h)
	}
	w, h = ScaleDimensions(400, 300, 0, 0)
	if w != 400 || h != 300 {
		t.Errorf("none: got %dx%d, want 400x300", w, h)
	}
}

func TestClampToSource(t *testing.T) {
	// Both axes must fit: 800x800 against 400x300 keeps the 1:1 ratio.
	w, h := ClampToSource(400, 300, 800, 800, false)
	if w != 300 || h != 300 {
		t.Errorf("cover clamp: got %dx%d, want 300x300", w, h)
	}
	// Only the limiting axis matters: 500x200 fits vertically, untouched.
	w, h = ClampToSource(400, 300, 500, 200, true)
	if w != 500 || h != 200 {
		t.Errorf("contain clamp: got %dx%d, want 500x200", w, h)
	}
	w, h = ClampToSource(400, 300, 800, 600, true)
	if w != 400 || h != 300 {
		t.Errorf("contain overflow: got %dx%d, want 400x300", w, h)
	}
	w, h = ClampToSource(400, 300, 100, 100, false)
	if w != 100 || h != 100 {
		t.Errorf("small box: got %dx%d, want 100x100", w, h)
	}

	tests := []struct {
		srcW, srcH, w, h int
		contain          bool
		wantW, wantH     int
	}{
		{200, 100, 300, 150, false, 200, 100},
		{200, 150, 150, 200, false, 113, 150},
		{150, 200, 200, 150, false, 150, 113},
		{211, 40, 170, 170, true, 170, 170},
		{211, 40, 220, 110, true, 211, 106},
		{40, 211, 110, 220, true, 106, 211},
	}
	for _, tt := range tests {
		w, h := ClampToSource(tt.srcW, tt.srcH, tt.w, tt.h, tt.contain)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("ClampToSource(%dx%d, %dx%d, %v): got %dx%d, want %dx%d",
				tt.srcW, tt.srcH, tt.w, tt.h, tt.contain, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestFitBox(t *testing.T) {
	w, h := FitBox(400, 300, 100, 100, "contain")
	if w != 100 || h != 75 {
		t.Errorf("contain: got %dx%d, want 100x75", w, h)
	}
	w, h = FitBox(400, 300, 100, 100, "cover")
	if w != 133 || h != 100 {
		t.Errorf("cover: got %dx%d, want 133x100", w, h)
	}
	w, h = FitBox(400, 300, 100, 100, "fill")
	if w != 100 || h != 100 {
		t.Errorf("fill: got %dx%d, want 100x100", w, h)
	}
}

func TestAnchor(t *testing.T) {
	x, y := Anchor(100, 100, 50, 20, "centre")
	if x != 25 || y != 40 {
		t.Errorf("centre: got %d,%d", x, y)
	}
	x, y = Anchor(100, 100, 50, 20, "right bottom")
	if x != 50 || y != 80 {
		t.Errorf("right bottom: got %d,%d", x, y)
	}
}

func TestLazyRunsOnce(t *testing.T) {
	var calls int32
	l := NewLazy(func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, _ := l.Get(); v != 42 {
				t.Errorf("value: got %d, want 42", v)
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestLazyMemoizesError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	l := NewLazy(func() (string, error) {
		calls++
		return "", boom
	})
	_, err1 := l.Get()
	_, err2 := l.Get()
	if !errors.Is(err1, boom) || !errors.Is(err2, boom) || calls != 1 {
		t.Errorf("got %v/%v after %d calls", err1, err2, calls)
	}
}

func TestETag(t *testing.T) {
	a := ETag([]byte("hello"))
	b := ETag([]byte("hello"))
	c := ETag([]byte("world"))
	if a != b {
		t.Errorf("same body produced %s and %s", a, b)
	}
	if a == c {
		t.Errorf("different bodies share etag %s", a)
	}
	if !strings.HasPrefix(a, `"5-`) || !strings.HasSuffix(a, `"`) {
		t.Errorf("unexpected etag shape %s", a)
	}
	if !MatchETag(`"x", W/`+a, a) {
		t.Error("weak list entry should match")
	}
	if MatchETag("", a) {
		t.Error("empty header must not match")
	}
	if !MatchETag("*", a) {
		t.Error("wildcard must match")
	}
}

func TestLimitedReader(t *testing.T) {
	ctx := context.Background()
	got, err := ReadAll(ctx, &LimitedReader{R: bytes.NewReader([]byte("12345")), Max: 5})
	if err != nil || string(got) != "12345" {
		t.Errorf("exact limit: got %q, %v", got, err)
	}
	_, err = ReadAll(ctx, &LimitedReader{R: bytes.NewReader([]byte("123456")), Max: 5})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("over limit: got %v, want ErrLimitExceeded", err)
	}
	got, err = ReadAll(ctx, &LimitedReader{R: bytes.NewReader([]byte("abc"))})
	if err != nil || string(got) != "abc" {
		t.Errorf("no limit: got %q, %v", got, err)
	}
}

func TestDrainReaderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DrainReader(ctx, strings.NewReader("data"), 2); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
