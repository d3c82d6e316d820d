package codec

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

type pair struct{ Key, Value string }

func pairs(m *core.Modifiers) []pair {
	var out []pair
	m.Each(func(k, v string) { out = append(out, pair{k, v}) })
	return out
}

func mods(kv ...string) *core.Modifiers {
	m := core.NewModifiers()
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []pair
		id   string
	}{
		{"no modifiers", "/_/photo.jpg", nil, "photo.jpg"},
		{"underscore sep", "/w_100/photo.jpg", []pair{{"w", "100"}}, "photo.jpg"},
		{"mixed seps", "/w:100&h=50,f_webp/a/b.png", []pair{{"w", "100"}, {"h", "50"}, {"f", "webp"}}, "a/b.png"},
		{"multi value rejoined", "/extend_1:2=3_4/x.png", []pair{{"extend", "1_2_3_4"}}, "x.png"},
		{"flag", "/enlarge,w_10/x.png", []pair{{"enlarge", ""}, {"w", "10"}}, "x.png"},
		{"percent decoded value", "/pos_right%20top/x.png", []pair{{"pos", "right top"}}, "x.png"},
		{"url id", "/_/https://example.com/a.jpg", nil, "https://example.com/a.jpg"},
		{"percent decoded id", "/_/my%20photo.jpg", nil, "my photo.jpg"},
		{"duplicate key keeps first position", "/w_1,h_2,w_3/x", []pair{{"w", "3"}, {"h", "2"}}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, id, err := Decode(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			if diff := cmp.Diff(tt.want, pairs(m)); diff != "" {
				t.Errorf("modifiers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode("//photo.jpg")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusOf(err))
	assert.Equal(t, CodeMissingModifiers, apperrors.CodeOf(err))

	for _, p := range []string{"/w_100/", "/w_100", "/_//"} {
		_, _, err = Decode(p)
		require.Error(t, err, p)
		assert.Equal(t, http.StatusBadRequest, apperrors.StatusOf(err), p)
		assert.Equal(t, CodeMissingID, apperrors.CodeOf(err), p)
	}
}

func TestRoundTrip(t *testing.T) {
	sets := []*core.Modifiers{
		core.NewModifiers(),
		mods("w", "100"),
		mods("s", "200x300", "fit", "cover", "b", "#ff0000"),
		mods("extend", "1_2_3_4", "enlarge", ""),
		mods("pos", "right top", "x", "a:b=c&d,e/f%g"),
		mods("tint", `say "hi"`, "path", `C:\img`),
		mods("u", "_lead", "v", "trail_", "n", "ünïcode"),
	}
	for _, m := range sets {
		got := DecodeModifiers(Encode(m))
		if diff := cmp.Diff(pairs(m), pairs(got)); diff != "" {
			t.Errorf("round trip of %q (-want +got):\n%s", Encode(m), diff)
		}
	}
}

func TestEncodePath(t *testing.T) {
	m := mods("w", "100", "f", "webp")
	path := EncodePath(m, "/images/my photo.jpg")
	assert.Equal(t, "/w_100,f_webp/images/my%20photo.jpg", path)

	back, id, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, "images/my photo.jpg", id)
	assert.True(t, back.Equal(m))

	assert.Equal(t, "/_/x.png", EncodePath(nil, "x.png"))
}

func TestSafeString(t *testing.T) {
	assert.Equal(t, "plain", SafeString("plain"))
	assert.Equal(t, `a"b`, SafeString(`a"b`))
	assert.Equal(t, `a\nb`, SafeString("a\nb"))
	assert.Equal(t, `a\b`, SafeString(`a\\\b`))
	assert.Equal(t, "<script>", SafeString("<script>"))
}
