package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example News</title>
    <link>https://example.com/</link>
    <description>All the news</description>
    <language>en-us</language>
    <copyright>(c) Example</copyright>
    <category>tech</category>
    <image>
      <url>https://example.com/logo.png</url>
      <title>Example</title>
      <link>https://example.com/</link>
    </image>
    <item>
      <title>First</title>
      <link>https://example.com/1</link>
      <guid>urn:example:1</guid>
      <description>First body</description>
      <category>go</category>
      <pubDate>Mon, 06 May 2024 10:00:00 GMT</pubDate>
      <enclosure url="https://example.com/1.mp3" length="1024" type="audio/mpeg"/>
    </item>
    <item>
      <title>Second</title>
      <description>Second body</description>
    </item>
    <item>
      <author>nobody@example.com</author>
    </item>
  </channel>
</rss>`

const atomFixture = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Example</title>
  <link href="https://atom.example/"/>
  <updated>2024-05-06T10:00:00Z</updated>
  <author><name>Ann</name><email>ann@atom.example</email></author>
  <entry>
    <title>Atom entry</title>
    <link href="https://atom.example/e1"/>
    <id>tag:atom.example,2024:e1</id>
    <updated>2024-05-06T09:00:00Z</updated>
    <content type="html">&lt;p&gt;Hello&lt;/p&gt;</content>
  </entry>
</feed>`

func TestParseRSS(t *testing.T) {
	t.Parallel()

	feed, err := New().Parse([]byte(rssFixture))
	require.NoError(t, err)

	md := feed.Metadata
	assert.Equal(t, "Example News", md.Title)
	assert.Equal(t, "https://example.com/", md.Link)
	assert.Equal(t, "en-us", md.Language)
	assert.Equal(t, "(c) Example", md.Copyright)
	assert.Equal(t, []string{"tech"}, md.Categories)
	require.NotNil(t, md.Image)
	assert.Equal(t, "https://example.com/logo.png", md.Image.URL)

	require.Len(t, feed.Items, 3)
	first := feed.Items[0]
	assert.Equal(t, "urn:example:1", first.GUID)
	assert.Equal(t, "https://example.com/1", first.Link)
	assert.Equal(t, "First body", first.Description)
	assert.Equal(t, []string{"go"}, first.Categories)
	require.NotNil(t, first.PublishedAt)
	assert.True(t, first.PublishedAt.Equal(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, []crawler.Enclosure{{URL: "https://example.com/1.mp3", Length: 1024, Type: "audio/mpeg"}}, first.Enclosures)

	second := feed.Items[1]
	assert.Empty(t, second.GUID)
	assert.Empty(t, second.Link)
	raw, ok := crawler.Identity(second)
	require.True(t, ok)
	assert.Equal(t, "Second bodySecond", raw)

	_, ok = crawler.Identity(feed.Items[2])
	assert.False(t, ok)
}

func TestParseAtom(t *testing.T) {
	t.Parallel()

	feed, err := New().Parse([]byte(atomFixture))
	require.NoError(t, err)

	assert.Equal(t, "Atom Example", feed.Metadata.Title)
	assert.Equal(t, []crawler.Person{{Name: "Ann", Email: "ann@atom.example"}}, feed.Metadata.Authors)
	require.NotNil(t, feed.Metadata.PublishedAt)

	require.Len(t, feed.Items, 1)
	entry := feed.Items[0]
	assert.Equal(t, "tag:atom.example,2024:e1", entry.GUID)
	assert.Equal(t, "<p>Hello</p>", entry.Description)
	require.NotNil(t, entry.PublishedAt)
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := New().Parse([]byte("this is not a feed"))
	require.ErrorContains(t, err, "parse feed")
}
