package identity

import (
	"crypto/hmac"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// tokenClaims is the canonical signature payload. Field order matches
// sorted JSON keys so json.Marshal emits the exact signing input:
// {"exp":...,"iss":...,"sub":...,"tid":...} with no whitespace.
type tokenClaims struct {
	Exp int64  `json:"exp"`
	Iss string `json:"iss"`
	Sub string `json:"sub"`
	Tid string `json:"tid"`
}

func canonicalTokenPayload(tokenID, issuer, subject string, expiresAtEpoch int64) []byte {
	payload, _ := json.Marshal(tokenClaims{
		Exp: expiresAtEpoch,
		Iss: issuer,
		Sub: subject,
		Tid: tokenID,
	})
	return payload
}

// IssueTokenParams are the inputs to delegation token issuance.
type IssueTokenParams struct {
	IssuerAgentID   string
	SubjectAgentID  string
	DelegatedScopes []string
	TTLSeconds      int64
	ParentTokenID   string
	Owner           string
}

// DelegationGrant is the issuance result, including the signed wire form
// "<token_id>.<hex_sig>".
type DelegationGrant struct {
	TokenID         string   `json:"token_id"`
	SignedToken     string   `json:"signed_token"`
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	IssuedAt        string   `json:"issued_at"`
	ExpiresAt       string   `json:"expires_at"`
	ChainDepth      int      `json:"chain_depth"`
	ParentTokenID   string   `json:"parent_token_id,omitempty"`
}

// TokenVerification is the outcome of a successful verify, including the
// chain-integrity walk.
type TokenVerification struct {
	Valid           bool     `json:"valid"`
	TokenID         string   `json:"token_id"`
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	ExpiresAtEpoch  int64    `json:"expires_at_epoch"`
	ChainDepth      int      `json:"chain_depth"`
}

// ChainLink is one edge in a delegation chain view.
type ChainLink struct {
	TokenID         string   `json:"token_id"`
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	ChainDepth      int      `json:"chain_depth"`
	Revoked         bool     `json:"revoked"`
	ExpiresAt       string   `json:"expires_at"`
}

// ChainView is a full delegation chain ordered root-first.
type ChainView struct {
	TokenID         string      `json:"token_id"`
	Chain           []ChainLink `json:"chain"`
	ChainDepth      int         `json:"chain_depth"`
	EffectiveScopes []string    `json:"effective_scopes"`
}

// TokenRevocation reports a revoke with its cascade count.
type TokenRevocation struct {
	TokenID      string `json:"token_id"`
	Revoked      bool   `json:"revoked"`
	RevokedAt    string `json:"revoked_at"`
	CascadeCount int    `json:"cascade_count"`
}

// IssueDelegationToken mints one delegation edge. Root tokens attenuate
// against the union of the issuer's active credential scopes; child
// tokens attenuate against the parent and cannot outlive it.
func (s *Service) IssueDelegationToken(p IssueTokenParams) (*DelegationGrant, error) {
	issuer, err := s.store.GetIdentity(p.IssuerAgentID)
	if err != nil {
		return nil, err
	}
	if issuer.Status != StatusActive {
		return nil, fmt.Errorf("issuer agent is %s: %w", issuer.Status, store.ErrPermissionDenied)
	}
	if issuer.Owner != p.Owner {
		return nil, fmt.Errorf("owner mismatch for issuer agent: %w", store.ErrPermissionDenied)
	}

	subject, err := s.store.GetIdentity(p.SubjectAgentID)
	if err != nil {
		return nil, err
	}
	if subject.Status != StatusActive {
		return nil, fmt.Errorf("subject agent is %s: %w", subject.Status, store.ErrPermissionDenied)
	}

	chainDepth := 0
	var parentExpires int64
	var effectiveScopes []string
	if p.ParentTokenID != "" {
		parent, err := s.store.GetToken(p.ParentTokenID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("parent token not found: %s: %w", p.ParentTokenID, store.ErrInvalidArgument)
		}
		if err != nil {
			return nil, err
		}
		if parent.Revoked {
			return nil, fmt.Errorf("parent token is revoked: %w", store.ErrPermissionDenied)
		}
		if parent.ExpiresAtEpoch < utcNowEpoch() {
			return nil, fmt.Errorf("parent token is expired: %w", store.ErrPermissionDenied)
		}
		chainDepth = parent.ChainDepth + 1
		if chainDepth > MaxDelegationChainDepth {
			return nil, fmt.Errorf("delegation chain depth limit exceeded: %d > %d: %w",
				chainDepth, MaxDelegationChainDepth, store.ErrInvalidArgument)
		}
		parentExpires = parent.ExpiresAtEpoch
		effectiveScopes, err = AttenuateScopes(parent.DelegatedScopes, p.DelegatedScopes)
		if err != nil {
			return nil, err
		}
	} else {
		creds, err := s.store.ListActiveCredentials(p.IssuerAgentID)
		if err != nil {
			return nil, err
		}
		if len(creds) == 0 {
			return nil, fmt.Errorf("issuer has no active credentials: %w", store.ErrPermissionDenied)
		}
		var issuerScopes []string
		for _, cred := range creds {
			issuerScopes = append(issuerScopes, cred.Scopes...)
		}
		effectiveScopes, err = AttenuateScopes(normalizeScopes(issuerScopes), p.DelegatedScopes)
		if err != nil {
			return nil, err
		}
	}

	ttl := clampTTL(p.TTLSeconds)
	now := utcNowEpoch()
	tokenID := newID("dtk-")

	// Token cannot outlive its parent.
	expiresAt := now + ttl
	if parentExpires > 0 && parentExpires < expiresAt {
		expiresAt = parentExpires
	}

	signature := s.sign(canonicalTokenPayload(tokenID, p.IssuerAgentID, p.SubjectAgentID, expiresAt))

	var parentID *string
	if p.ParentTokenID != "" {
		parentID = &p.ParentTokenID
	}
	if err := s.store.InsertToken(&DelegationToken{
		TokenID:         tokenID,
		IssuerAgentID:   p.IssuerAgentID,
		SubjectAgentID:  p.SubjectAgentID,
		DelegatedScopes: effectiveScopes,
		IssuedAtEpoch:   now,
		ExpiresAtEpoch:  expiresAt,
		ParentTokenID:   parentID,
		ChainDepth:      chainDepth,
		Signature:       signature,
	}); err != nil {
		return nil, err
	}

	s.logger.Printf("delegation token issued: %s %s→%s depth=%d scopes=%v",
		tokenID, p.IssuerAgentID, p.SubjectAgentID, chainDepth, effectiveScopes)

	return &DelegationGrant{
		TokenID:         tokenID,
		SignedToken:     tokenID + "." + signature,
		IssuerAgentID:   p.IssuerAgentID,
		SubjectAgentID:  p.SubjectAgentID,
		DelegatedScopes: effectiveScopes,
		IssuedAt:        isoFromEpoch(now),
		ExpiresAt:       isoFromEpoch(expiresAt),
		ChainDepth:      chainDepth,
		ParentTokenID:   p.ParentTokenID,
	}, nil
}

// VerifyDelegationToken validates a signed token and walks its full
// parent chain, so revoking any ancestor invalidates every descendant
// without a background job.
func (s *Service) VerifyDelegationToken(signedToken string) (*TokenVerification, error) {
	parts := strings.SplitN(signedToken, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid delegation token format: %w", store.ErrPermissionDenied)
	}
	tokenID, signature := parts[0], parts[1]

	record, err := s.store.GetToken(tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("delegation token not found: %w", store.ErrPermissionDenied)
	}
	if err != nil {
		return nil, err
	}

	if record.Revoked {
		return nil, fmt.Errorf("delegation token is revoked: %w", store.ErrPermissionDenied)
	}
	now := utcNowEpoch()
	if record.ExpiresAtEpoch < now {
		return nil, fmt.Errorf("delegation token expired: %w", store.ErrPermissionDenied)
	}

	expected := s.sign(canonicalTokenPayload(tokenID, record.IssuerAgentID, record.SubjectAgentID, record.ExpiresAtEpoch))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, fmt.Errorf("invalid delegation token signature: %w", store.ErrPermissionDenied)
	}

	if err := s.verifyChainIntegrity(record); err != nil {
		return nil, err
	}

	return &TokenVerification{
		Valid:           true,
		TokenID:         tokenID,
		IssuerAgentID:   record.IssuerAgentID,
		SubjectAgentID:  record.SubjectAgentID,
		DelegatedScopes: record.DelegatedScopes,
		ExpiresAtEpoch:  record.ExpiresAtEpoch,
		ChainDepth:      record.ChainDepth,
	}, nil
}

// verifyChainIntegrity walks parent links up to the root. The walk is
// bounded past MaxDelegationChainDepth to catch cycles introduced by
// clock skew or manual corruption.
func (s *Service) verifyChainIntegrity(record *DelegationToken) error {
	now := utcNowEpoch()
	current := record
	for hops := 0; current.ParentTokenID != nil; hops++ {
		if hops > MaxDelegationChainDepth+2 {
			return fmt.Errorf("delegation chain too deep or circular: %w", store.ErrPermissionDenied)
		}
		parent, err := s.store.GetToken(*current.ParentTokenID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delegation chain broken: parent token missing: %w", store.ErrPermissionDenied)
		}
		if err != nil {
			return err
		}
		if parent.Revoked {
			return fmt.Errorf("delegation chain invalid: parent token revoked: %w", store.ErrPermissionDenied)
		}
		if parent.ExpiresAtEpoch < now {
			return fmt.Errorf("delegation chain invalid: parent token expired: %w", store.ErrPermissionDenied)
		}
		current = parent
	}
	return nil
}

// GetDelegationChain returns the chain for a token ordered root-first.
func (s *Service) GetDelegationChain(tokenID string) (*ChainView, error) {
	record, err := s.store.GetToken(tokenID)
	if err != nil {
		return nil, err
	}

	var links []ChainLink
	current := record
	for hops := 0; current != nil; hops++ {
		if hops > MaxDelegationChainDepth+2 {
			return nil, fmt.Errorf("delegation chain too deep or circular: %w", store.ErrPermissionDenied)
		}
		links = append(links, ChainLink{
			TokenID:         current.TokenID,
			IssuerAgentID:   current.IssuerAgentID,
			SubjectAgentID:  current.SubjectAgentID,
			DelegatedScopes: current.DelegatedScopes,
			ChainDepth:      current.ChainDepth,
			Revoked:         current.Revoked,
			ExpiresAt:       isoFromEpoch(current.ExpiresAtEpoch),
		})
		if current.ParentTokenID == nil {
			break
		}
		parent, err := s.store.GetToken(*current.ParentTokenID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		current = parent
	}

	// Walk collected most-recent-first; present root-first.
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}

	return &ChainView{
		TokenID:         tokenID,
		Chain:           links,
		ChainDepth:      record.ChainDepth,
		EffectiveScopes: record.DelegatedScopes,
	}, nil
}

// RevokeDelegationToken revokes a token and every descendant reachable
// via parent links, atomically in one transaction.
func (s *Service) RevokeDelegationToken(tokenID, owner string) (*TokenRevocation, error) {
	record, err := s.store.GetToken(tokenID)
	if err != nil {
		return nil, err
	}

	issuer, err := s.store.GetIdentity(record.IssuerAgentID)
	if err != nil {
		return nil, err
	}
	if issuer.Owner != owner {
		return nil, fmt.Errorf("owner mismatch: %w", store.ErrPermissionDenied)
	}

	now := utcNowEpoch()
	cascadeCount, err := s.store.RevokeTokenCascade(tokenID, now)
	if err != nil {
		return nil, err
	}

	s.logger.Printf("🛑 delegation token revoked: %s cascade=%d", tokenID, cascadeCount)

	return &TokenRevocation{
		TokenID:      tokenID,
		Revoked:      true,
		RevokedAt:    isoFromEpoch(now),
		CascadeCount: cascadeCount,
	}, nil
}

// --- Token store access ---

type tokenRow struct {
	TokenID             string         `db:"token_id"`
	IssuerAgentID       string         `db:"issuer_agent_id"`
	SubjectAgentID      string         `db:"subject_agent_id"`
	DelegatedScopesJSON string         `db:"delegated_scopes_json"`
	IssuedAtEpoch       int64          `db:"issued_at_epoch"`
	ExpiresAtEpoch      int64          `db:"expires_at_epoch"`
	ParentTokenID       sql.NullString `db:"parent_token_id"`
	ChainDepth          int            `db:"chain_depth"`
	Signature           sql.NullString `db:"signature"`
	Revoked             bool           `db:"revoked"`
	RevokedAt           sql.NullString `db:"revoked_at"`
	CreatedAt           string         `db:"created_at"`
}

func (r tokenRow) toToken() (*DelegationToken, error) {
	out := &DelegationToken{
		TokenID:        r.TokenID,
		IssuerAgentID:  r.IssuerAgentID,
		SubjectAgentID: r.SubjectAgentID,
		IssuedAtEpoch:  r.IssuedAtEpoch,
		ExpiresAtEpoch: r.ExpiresAtEpoch,
		ChainDepth:     r.ChainDepth,
		Revoked:        r.Revoked,
		Signature:      r.Signature.String,
		CreatedAt:      r.CreatedAt,
	}
	if r.ParentTokenID.Valid {
		out.ParentTokenID = &r.ParentTokenID.String
	}
	if r.RevokedAt.Valid {
		out.RevokedAt = &r.RevokedAt.String
	}
	if r.DelegatedScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.DelegatedScopesJSON), &out.DelegatedScopes); err != nil {
			return nil, fmt.Errorf("corrupt scopes for token %s: %w", r.TokenID, err)
		}
	}
	return out, nil
}

// InsertToken persists one delegation token record.
func (s *Store) InsertToken(tok *DelegationToken) error {
	scopesJSON, err := json.Marshal(normalizeScopes(tok.DelegatedScopes))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO delegation_tokens(
			token_id, issuer_agent_id, subject_agent_id, delegated_scopes_json,
			issued_at_epoch, expires_at_epoch, parent_token_id, chain_depth, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.TokenID, tok.IssuerAgentID, tok.SubjectAgentID, string(scopesJSON),
		tok.IssuedAtEpoch, tok.ExpiresAtEpoch, tok.ParentTokenID, tok.ChainDepth, tok.Signature)
	return err
}

// GetToken fetches one delegation token by id.
func (s *Store) GetToken(tokenID string) (*DelegationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row tokenRow
	err := s.db.Get(&row, `SELECT * FROM delegation_tokens WHERE token_id = ?`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegation token not found: %s: %w", tokenID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toToken()
}

// RevokeTokenCascade revokes the token and recursively every descendant
// in a single transaction. Returns the descendant count.
func (s *Store) RevokeTokenCascade(tokenID string, nowEpoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	revokedAt := isoFromEpoch(nowEpoch)
	if _, err := tx.Exec(`UPDATE delegation_tokens SET revoked = 1, revoked_at = ? WHERE token_id = ?`,
		revokedAt, tokenID); err != nil {
		return 0, err
	}
	count, err := cascadeRevoke(tx, tokenID, revokedAt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func cascadeRevoke(tx *sqlx.Tx, parentTokenID, revokedAt string) (int, error) {
	var children []string
	err := tx.Select(&children,
		`SELECT token_id FROM delegation_tokens WHERE parent_token_id = ? AND revoked = 0`, parentTokenID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, childID := range children {
		if _, err := tx.Exec(`UPDATE delegation_tokens SET revoked = 1, revoked_at = ? WHERE token_id = ?`,
			revokedAt, childID); err != nil {
			return count, err
		}
		count++
		sub, err := cascadeRevoke(tx, childID, revokedAt)
		if err != nil {
			return count, err
		}
		count += sub
	}
	return count, nil
}

// RevokeTokensForAgent revokes every live token where the agent is the
// issuer or the subject, cascading to descendants, in one transaction.
// A subject that is revoked can no longer act.
func (s *Store) RevokeTokensForAgent(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var roots []string
	err = tx.Select(&roots, `
		SELECT token_id FROM delegation_tokens
		WHERE (issuer_agent_id = ? OR subject_agent_id = ?) AND revoked = 0`,
		agentID, agentID)
	if err != nil {
		return 0, err
	}

	revokedAt := isoFromEpoch(utcNowEpoch())
	count := 0
	for _, tokenID := range roots {
		res, err := tx.Exec(`UPDATE delegation_tokens SET revoked = 1, revoked_at = ? WHERE token_id = ? AND revoked = 0`,
			revokedAt, tokenID)
		if err != nil {
			return count, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // already caught by an earlier cascade
		}
		count++
		sub, err := cascadeRevoke(tx, tokenID, revokedAt)
		if err != nil {
			return count, err
		}
		count += sub
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
