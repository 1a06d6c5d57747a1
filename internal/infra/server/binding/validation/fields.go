package validation

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"
	"gopkg.in/go-playground/validator.v9"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

func SetUpValidators() {
	log.Info().Msg("Setting up custom validators")
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation(PublicKeyValidatorTag, PublicKeyValidator)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up public key validator")
		}
		err = v.RegisterValidation(SubjectTypeValidatorTag, SubjectTypeValidator)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up subject type validator")
		}
	}
}

// PublicKeyValidatorTag checks that a string is a hex encoded key
var PublicKeyValidatorTag = "publicKey"
var PublicKeyValidator validator.Func = func(fl validator.FieldLevel) bool {
	if s, ok := fl.Field().Interface().(string); ok {
		if _, err := keys.ParseHex(s); err != nil {
			return false
		}
	}
	return true
}

// SubjectTypeValidatorTag checks that a string names a credential subject type
var SubjectTypeValidatorTag = "subjectType"
var SubjectTypeValidator validator.Func = func(fl validator.FieldLevel) bool {
	if s, ok := fl.Field().Interface().(string); ok {
		if _, err := ParseSubjectType(s); err != nil {
			return false
		}
	}
	return true
}

type InvalidSubjectType struct {
	Value string
}

func (e InvalidSubjectType) Error() string {
	return "Subject type must be one of [identity, feed], got [" + e.Value + "]"
}

// ParseSubjectType reads the lower-case form used by the API
func ParseSubjectType(s string) (credential.SubjectType, error) {
	switch s {
	case "identity":
		return credential.IDENTITY, nil
	case "feed":
		return credential.FEED, nil
	default:
		return 0, InvalidSubjectType{Value: s}
	}
}
