package capture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	t.Parallel()

	t.Run("plain selector passes through", func(t *testing.T) {
		t.Parallel()
		sel, inj, err := ParseSelector("#ad-slot")
		require.NoError(t, err)
		require.Nil(t, inj)
		require.Equal(t, "#ad-slot", sel)
	})

	t.Run("bookmarklet directive with parameters", func(t *testing.T) {
		t.Parallel()
		sel, inj, err := ParseSelector("bookmarklet:highlighter:selector=.ad,color=#ff0000")
		require.NoError(t, err)
		require.NotNil(t, inj)
		require.Equal(t, "highlighter", inj.Template)
		require.Equal(t, map[string]string{"selector": ".ad", "color": "#ff0000"}, inj.Params)
		require.Equal(t, ".ad", sel)
	})

	t.Run("bookmarklet without parameters", func(t *testing.T) {
		t.Parallel()
		sel, inj, err := ParseSelector("bookmarklet:vastplayer")
		require.NoError(t, err)
		require.NotNil(t, inj)
		require.Equal(t, "vastplayer", inj.Template)
		require.Empty(t, inj.Params)
		require.Empty(t, sel)
	})

	t.Run("missing template name", func(t *testing.T) {
		t.Parallel()
		_, _, err := ParseSelector("bookmarklet::selector=.ad")
		require.Error(t, err)
	})

	t.Run("malformed parameter", func(t *testing.T) {
		t.Parallel()
		_, _, err := ParseSelector("bookmarklet:highlighter:color")
		require.Error(t, err)
	})
}

func TestNormalizeRecord(t *testing.T) {
	t.Parallel()

	rec, err := NormalizeRecord(AdRecord{
		Selector: "bookmarklet:highlighter:selector=.ad,color=#ff0000",
		DeviceUI: DeviceDesktop,
	})
	require.NoError(t, err)
	require.Equal(t, ".ad", rec.Selector)
	require.NotNil(t, rec.Injection)
	require.Equal(t, "highlighter", rec.Injection.Template)

	_, err = NormalizeRecord(AdRecord{Selector: "bookmarklet::oops"})
	require.Error(t, err)
	require.Equal(t, ClassParsing, Classify(err))

	structured := AdRecord{
		Selector:  "#slot",
		Injection: &Injection{Template: "vastplayer"},
	}
	got, err := NormalizeRecord(structured)
	require.NoError(t, err)
	require.Equal(t, structured, got)
}

func TestInjectionScriptEmbedsParams(t *testing.T) {
	t.Parallel()

	inj := &Injection{Template: "highlighter", Params: map[string]string{"color": "#ff0000"}}
	script := inj.Script()
	require.Contains(t, script, `"highlighter"`)
	require.Contains(t, script, `"color":"#ff0000"`)
}

func TestRenderProbeScriptQuotesSelector(t *testing.T) {
	t.Parallel()

	script := RenderProbeScript(`.ad "slot"`)
	require.Contains(t, script, `querySelector(".ad \"slot\"")`)
}
