package ratelimit

// Scope names the throttling dimension of a bucket.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeSender   Scope = "sender"
	ScopeKlien    Scope = "klien"
	ScopeCampaign Scope = "campaign"
)

// Scopes is the fixed evaluation order used by admission.
var Scopes = []Scope{ScopeGlobal, ScopeSender, ScopeKlien, ScopeCampaign}

func GlobalKey() string {
	return "global:system"
}

func SenderKey(senderID string) string {
	return "sender:" + senderID
}

func KlienKey(klienID string) string {
	return "klien:" + klienID
}

func CampaignKey(campaignID string) string {
	return "campaign:" + campaignID
}

// KeyFor builds the bucket key for a scope and entity id.
func KeyFor(scope Scope, id string) string {
	switch scope {
	case ScopeGlobal:
		return GlobalKey()
	case ScopeSender:
		return SenderKey(id)
	case ScopeKlien:
		return KlienKey(id)
	case ScopeCampaign:
		return CampaignKey(id)
	default:
		return ""
	}
}
