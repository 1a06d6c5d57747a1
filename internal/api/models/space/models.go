package space

import (
	"time"

	"github.com/lloydmeta/echo/internal/domain/batch"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	domainSpace "github.com/lloydmeta/echo/internal/domain/space"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
)

// A Space that is yet to be created
type NewSpace struct {
	// The kind of model that builds state from the space's mutations
	Model model.Kind `json:"model" binding:"required" example:"kv"`
}

// JoinSpace opens a space created elsewhere. Its feeds arrive through replication.
type JoinSpace struct {
	// Taken from the path
	Key         string     `json:"-"`
	GenesisFeed string     `json:"genesis_feed" binding:"required,publicKey"`
	Model       model.Kind `json:"model" binding:"required" example:"kv"`
}

type Space struct {
	Key         keys.PublicKey `json:"key"`
	GenesisFeed keys.PublicKey `json:"genesis_feed"`
	// The feed this node writes to
	WriteFeed keys.PublicKey `json:"write_feed"`
	Model     model.Kind     `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
}

type Pipeline struct {
	Start   timeframe.Timeframe  `json:"start"`
	Current timeframe.Timeframe  `json:"current"`
	End     timeframe.Timeframe  `json:"end"`
	Target  *timeframe.Timeframe `json:"target,omitempty"`
	Pending int                  `json:"pending"`
	Stalled bool                 `json:"stalled"`
	Halted  bool                 `json:"halted"`
}

type Feed struct {
	Key      keys.PublicKey `json:"key"`
	Length   uint64         `json:"length"`
	Writable bool           `json:"writable"`
	Admitted bool           `json:"admitted"`
	// The identity that admitted the feed
	AdmittedBy *keys.PublicKey `json:"admitted_by,omitempty"`
	Processed  *feed.Seq       `json:"processed,omitempty"`
}

// State is everything there is to know about an open Space
type State struct {
	Space      Space                     `json:"space"`
	Pipeline   Pipeline                  `json:"pipeline"`
	Identities []keys.PublicKey          `json:"identities"`
	Feeds      []Feed                    `json:"feeds"`
	Sessions   []replication.SessionInfo `json:"sessions"`
}

// Batch is a group of opaque, model specific mutations written atomically
type Batch struct {
	Mutations [][]byte `json:"mutations" binding:"required,min=1"`
}

// MemberQuery says what kind of key a membership change is about
type MemberQuery struct {
	Type string `form:"type" binding:"required,subjectType" example:"feed"`
}

// Receipt says where a write landed
type Receipt struct {
	Feed keys.PublicKey `json:"feed"`
	Seq  feed.Seq       `json:"seq"`
}

func FromDomainSpace(s *domainSpace.Space) Space {
	meta := s.Metadata()
	return Space{
		Key:         meta.Key,
		GenesisFeed: meta.GenesisFeed,
		WriteFeed:   meta.WriteFeed,
		Model:       meta.ModelKind,
		CreatedAt:   meta.CreatedAt,
	}
}

func FromDomainState(s pipeline.State) Pipeline {
	return Pipeline{
		Start:   s.Start,
		Current: s.Current,
		End:     s.End,
		Target:  s.Target,
		Pending: s.Pending,
		Stalled: s.Stalled,
		Halted:  s.Halted,
	}
}

func FromDomainFeeds(infos []domainSpace.FeedInfo, membership credential.Membership) []Feed {
	feeds := make([]Feed, 0, len(infos))
	for _, info := range infos {
		f := Feed{
			Key:       info.Key,
			Length:    info.Length,
			Writable:  info.Writable,
			Admitted:  info.Admitted,
			Processed: info.Processed,
		}
		if by, ok := membership.AdmittedBy(info.Key); ok {
			f.AdmittedBy = &by
		}
		feeds = append(feeds, f)
	}
	return feeds
}

func FromDomainReceipt(r batch.Receipt) Receipt {
	return Receipt{Feed: r.FeedKey, Seq: r.Seq}
}
