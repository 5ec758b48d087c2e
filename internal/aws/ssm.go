package aws

import (
	"context"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	appconfig "moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"strings"
)

// ssmPrefix marks a configuration value stored in the parameter store.
const ssmPrefix = "ssm:"

type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretResolver swaps configuration values of the form ssm:/name for the
// decrypted parameter.
type SecretResolver struct {
	ssmClient ParameterGetter
}

func NewSecretResolver(ctx context.Context, region string) (*SecretResolver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws sdk config")
	}
	return &SecretResolver{ssmClient: ssm.NewFromConfig(cfg)}, nil
}

func NewSecretResolverWithClient(c ParameterGetter) *SecretResolver {
	return &SecretResolver{ssmClient: c}
}

func (s *SecretResolver) GetParameterFromSSM(ctx context.Context, paramName string) (*ssmtypes.Parameter, error) {
	input := &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: true,
	}
	parameter, err := s.ssmClient.GetParameter(ctx, input)
	if err != nil {
		return nil, errors.WrapAndReport(err, "query parameter from ssm")
	}
	if parameter.Parameter == nil {
		return nil, errors.Errorf("ssm parameter %s has no value", paramName)
	}
	return parameter.Parameter, nil
}

// Resolve returns value unchanged unless it carries the ssm: prefix.
func (s *SecretResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, ssmPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, ssmPrefix)
	p, err := s.GetParameterFromSSM(ctx, name)
	if err != nil {
		return "", err
	}
	log.Debugf("resolved configuration value from ssm parameter %s", name)
	return aws.ToString(p.Value), nil
}

// ResolveConfig resolves every secret-bearing field of conf in place.
func (s *SecretResolver) ResolveConfig(ctx context.Context, conf *appconfig.Configuration) error {
	fields := []*string{
		&conf.RedisCredential.Password,
		&conf.Postgres.Password,
		&conf.SentryDSN,
		&conf.LarkAlarmWebhook,
	}
	for i := range conf.Chains {
		fields = append(fields, &conf.Chains[i].RPCURL)
	}
	for _, field := range fields {
		v, err := s.Resolve(ctx, *field)
		if err != nil {
			return err
		}
		*field = v
	}
	return nil
}
