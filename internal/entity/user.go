package entity

import (
	"encoding/json"
	"fmt"
)

// UserInfo holds the account document scraped from the web app together with
// the user identifier extracted from it. Raw is persisted verbatim so future
// runs do not depend on fields this version happens to know about.
type UserInfo struct {
	Raw json.RawMessage
	ID  string
}

// ParseUserInfo extracts the acting user's identifier from the account
// document (props.pageProps.user.id).
func ParseUserInfo(data []byte) (*UserInfo, error) {
	var doc struct {
		Props struct {
			PageProps struct {
				User struct {
					ID string `json:"id"`
				} `json:"user"`
			} `json:"pageProps"`
		} `json:"props"`
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode user info: %w", err)
	}

	if doc.Props.PageProps.User.ID == "" {
		return nil, fmt.Errorf("user info has no user id")
	}

	return &UserInfo{
		Raw: json.RawMessage(data),
		ID:  doc.Props.PageProps.User.ID,
	}, nil
}
