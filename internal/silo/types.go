package silo

import (
	"strings"

	"github.com/valyala/fastjson"
)

// Author of an activity or reaction.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Tag is an object reference attached to or tagged in an activity.
// Only tags of type "article" matter for discovery.
type Tag struct {
	Type string `json:"objectType"`
	URL  string `json:"url"`
}

// Reaction is a reply, like or repost embedded in an activity. Raw keeps
// the original JSON for storage on the response entity.
type Reaction struct {
	Kind    string
	ID      string
	URL     string
	Content string
	Author  Author

	Raw []byte
}

type Object struct {
	Type    string
	ID      string
	URL     string
	Content string

	Tags        []Tag
	Attachments []Tag

	Replies []*Reaction
	Likes   []*Reaction
	Shares  []*Reaction
}

type Activity struct {
	ID     string
	URL    string
	Object *Object

	Raw []byte
}

// Reactions returns all embedded reactions in reply, like, repost order.
func (a *Activity) Reactions() []*Reaction {
	if a.Object == nil {
		return nil
	}

	var rr []*Reaction
	rr = append(rr, a.Object.Replies...)
	rr = append(rr, a.Object.Likes...)
	rr = append(rr, a.Object.Shares...)
	return rr
}

type ActivityListing struct {
	Count      int
	Activities []*Activity
	ETag       string
}

// ShortID strips the tag-URI prefix from a silo id, leaving the segment
// after the last colon ("tag:source.com,2013:1_2_a" -> "1_2_a").
func ShortID(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[i+1:]
	}

	return id
}

func newAuthor(val *fastjson.Value) Author {
	if val == nil {
		return Author{}
	}

	return Author{
		ID:   string(val.GetStringBytes("id")),
		Name: string(val.GetStringBytes("name")),
		URL:  string(val.GetStringBytes("url")),
	}
}

func newTags(vals []*fastjson.Value) []Tag {
	tags := make([]Tag, 0, len(vals))
	for _, val := range vals {
		tags = append(tags, Tag{
			Type: string(val.GetStringBytes("objectType")),
			URL:  string(val.GetStringBytes("url")),
		})
	}

	return tags
}

// NewReaction parses one embedded reaction. Likes and reposts often have
// no id of their own on the wire, so one is derived from the reacting
// author, which keeps response keys stable across polls.
func NewReaction(val *fastjson.Value, kind string) *Reaction {
	r := &Reaction{
		Kind:    kind,
		ID:      string(val.GetStringBytes("id")),
		URL:     string(val.GetStringBytes("url")),
		Content: string(val.GetStringBytes("content")),
		Author:  newAuthor(val.Get("author")),
		Raw:     val.MarshalTo(nil),
	}

	if r.ID == "" {
		r.ID = r.Author.ID
	}

	return r
}

func newReactions(val *fastjson.Value, kind string) []*Reaction {
	if val == nil {
		return nil
	}

	items := val.GetArray("items")
	rr := make([]*Reaction, 0, len(items))
	for _, item := range items {
		rr = append(rr, NewReaction(item, kind))
	}

	return rr
}

func NewObject(val *fastjson.Value) *Object {
	if val == nil {
		return nil
	}

	return &Object{
		Type:        string(val.GetStringBytes("objectType")),
		ID:          string(val.GetStringBytes("id")),
		URL:         string(val.GetStringBytes("url")),
		Content:     string(val.GetStringBytes("content")),
		Tags:        newTags(val.GetArray("tags")),
		Attachments: newTags(val.GetArray("attachments")),
		Replies:     newReactions(val.Get("replies"), "comment"),
		Likes:       newReactions(val.Get("likes"), "like"),
		Shares:      newReactions(val.Get("shares"), "repost"),
	}
}

func NewActivity(val *fastjson.Value) *Activity {
	return &Activity{
		ID:     string(val.GetStringBytes("id")),
		URL:    string(val.GetStringBytes("url")),
		Object: NewObject(val.Get("object")),
		Raw:    val.MarshalTo(nil),
	}
}

func NewActivityListing(val *fastjson.Value) *ActivityListing {
	lr := &ActivityListing{
		ETag: string(val.GetStringBytes("etag")),
	}

	for _, item := range val.GetArray("items") {
		lr.Activities = append(lr.Activities, NewActivity(item))
	}
	lr.Count = len(lr.Activities)

	return lr
}
