package fieldsync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Config is read once per send to decide whether a payload belongs to the local user.
type Config interface {
	UserId() string
}

type StaticConfig struct {
	userId   string
	userName string
}

func NewStaticConfig(userId string, userName string) *StaticConfig {
	return &StaticConfig{
		userId:   userId,
		userName: userName,
	}
}

func (self *StaticConfig) UserId() string {
	return self.userId
}

func (self *StaticConfig) Member() Member {
	return Member{
		Id:   self.userId,
		Name: self.userName,
	}
}

// NewJwtConfig reads the session identity from the `user_id` and `name` claims.
// The token is not verified here. Membership authorization belongs to the transport.
func NewJwtConfig(jwt string) (*StaticConfig, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	userId, _ := claims["user_id"].(string)
	if userId == "" {
		// fall back to the standard subject claim
		userId, _ = claims.GetSubject()
	}
	if userId == "" {
		return nil, fmt.Errorf("jwt is missing user_id")
	}
	userName, _ := claims["name"].(string)

	return NewStaticConfig(userId, userName), nil
}
