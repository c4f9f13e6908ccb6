package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabdriver/internal/dom"
	"tabdriver/internal/selector"
)

const shopPage = `<html><body>
  <form id="search"><input name="q" placeholder="Search"><button type="submit">Go</button></form>
  <ul><li class="hit">Boots</li><li class="hit">Socks</li></ul>
</body></html>`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadQuery(t *testing.T) {
	inline := `{"mandatory": [{"name": "class", "type": "attribute", "match": "exact", "value": "hit"}], "ordinal": {"index": 1}}`
	qi, err := loadQuery(inline, nil)
	require.NoError(t, err)
	require.Len(t, qi.Mandatory, 1)
	assert.Equal(t, 1, qi.Ordinal.Index)

	file := writeFile(t, "q.yaml", "primary:\n  - name: \"#css\"\n    type: property\n    match: exact\n    value: li.hit\n")
	qi, err = loadQuery(file, nil)
	require.NoError(t, err)
	require.Len(t, qi.Primary, 1)
	assert.True(t, qi.Primary[0].IsPrimary())

	qi, err = loadQuery("-", strings.NewReader("assistive:\n  - {name: id, type: attribute, match: exact, value: x}\n"))
	require.NoError(t, err)
	assert.Len(t, qi.Assistive, 1)

	_, err = loadQuery("mandatory: [", nil)
	assert.Error(t, err)
}

func TestResolveDocument(t *testing.T) {
	doc, err := dom.ParseString(shopPage)
	require.NoError(t, err)

	out, err := resolveDocument(context.Background(), doc, selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Attribute("class", selector.MatchExact, selector.String("hit"))},
		Ordinal:   &selector.Ordinal{Index: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"html > body:nth-of-type(1) > ul:nth-of-type(1) > li:nth-of-type(2)"}, out.Matches)

	out, err = resolveDocument(context.Background(), doc, selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("table")},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Matches)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--workspace", t.TempDir(), "--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestResolveCommandJSON(t *testing.T) {
	page := writeFile(t, "shop.html", shopPage)
	out, err := execute(t, "resolve", page, "--json", "--query", `{"primary": [{"name": "#css", "type": "property", "match": "exact", "value": "input"}]}`)
	require.NoError(t, err)

	var res resolveOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"html > body:nth-of-type(1) > form:nth-of-type(1) > input:nth-of-type(1)"}, res.Matches)
	require.Len(t, res.QueryInfo.Primary, 1)
}

func TestSynthesizeCommand(t *testing.T) {
	page := writeFile(t, "shop.html", shopPage)
	out, err := execute(t, "synthesize", page, "--json", "--target", "li.hit:nth-of-type(2)")
	require.NoError(t, err)

	var desc selector.AODesc
	require.NoError(t, json.Unmarshal([]byte(out), &desc))
	require.NotNil(t, desc.QueryInfo, "a unique query exists for the second hit")
	assert.Equal(t, selector.ObjectElement, desc.Type)

	doc, err := dom.ParseString(shopPage)
	require.NoError(t, err)
	res, err := resolveDocument(context.Background(), doc, *desc.QueryInfo)
	require.NoError(t, err)
	assert.Equal(t, []string{"html > body:nth-of-type(1) > ul:nth-of-type(1) > li:nth-of-type(2)"}, res.Matches)
}

func TestRecordNeedsTarget(t *testing.T) {
	_, err := execute(t, "record")
	assert.ErrorContains(t, err, "need a target id or --url")
}

func TestReplayUnknownSession(t *testing.T) {
	_, err := execute(t, "replay", "nope")
	assert.ErrorContains(t, err, `session "nope" has no steps`)
}
