package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/api"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/lru"
)

// membersFormat prints one "name<TAB>email" line per commit.
const membersFormat = "--format=%aN%x09%aE"

// Member is one distinct commit author.
type Member struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// RepoMembers is the body of POST /repo/members.
type RepoMembers struct {
	Identifier string   `json:"identifier"`
	Tag        string   `json:"tag"`
	Branch     string   `json:"branch"`
	Members    []Member `json:"members"`
}

// MemberLister lists the commit authors of a checkout.
type MemberLister interface {
	Members(ctx context.Context, dir string) ([]Member, error)
}

// Members returns the distinct authors of dir's history, keyed by email, in
// the order git log first reports them.
func (p *GitProvider) Members(ctx context.Context, dir string) ([]Member, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, dir, "log", membersFormat)
	if err != nil {
		return nil, err
	}
	return parseMembers(out), nil
}

func parseMembers(out string) []Member {
	var members []Member
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		name, email, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		name, email = strings.TrimSpace(name), strings.TrimSpace(email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		members = append(members, Member{Name: name, Email: email})
	}
	return members
}

// MembersReporter posts a repository's author list at most once per
// identifier within the cache TTL.
type MembersReporter struct {
	lister   MemberLister
	client   api.Client
	reported *lru.Cache[string, bool]
	logger   zerolog.Logger
}

// NewMembersReporter creates a reporter remembering up to size repositories
// for ttl.
func NewMembersReporter(lister MemberLister, client api.Client, size int, ttl time.Duration, logger zerolog.Logger) *MembersReporter {
	if size < 1 {
		size = 64
	}
	return &MembersReporter{
		lister:   lister,
		client:   client,
		reported: lru.New[string, bool](size, ttl),
		logger:   logger.With().Str("component", "repo_members").Logger(),
	}
}

// Report sends the members of the checkout at dir identified by res. A
// repository whose history cannot be read, or has no authors, is not retried
// until its entry expires. Send failures are retried on the next call.
func (r *MembersReporter) Report(ctx context.Context, dir string, res *keystroke.Resource, token string) error {
	if res == nil || res.Identifier == "" {
		return nil
	}
	if _, ok := r.reported.Get(res.Identifier); ok {
		return nil
	}

	members, err := r.lister.Members(ctx, dir)
	if err != nil || len(members) == 0 {
		r.logger.Debug().Err(err).Str("dir", dir).Msg("no repo members to report")
		r.reported.Put(res.Identifier, false)
		return nil
	}

	body, err := json.Marshal(RepoMembers{
		Identifier: res.Identifier,
		Tag:        res.Tag,
		Branch:     res.Branch,
		Members:    members,
	})
	if err != nil {
		return fmt.Errorf("encoding repo members: %w", err)
	}

	resp, err := r.client.Send(ctx, http.MethodPost, api.PathRepoMembers, body, token)
	if err == nil {
		err = api.Check(resp)
	}
	if err != nil {
		return fmt.Errorf("sending repo members for %s: %w", res.Identifier, err)
	}

	r.reported.Put(res.Identifier, true)
	r.logger.Info().Str("identifier", res.Identifier).Int("members", len(members)).Msg("repo members sent")
	return nil
}
