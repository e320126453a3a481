package awsboot

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values map[string]string
	calls  []string
	decr   []bool
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.calls = append(f.calls, name)
	f.decr = append(f.decr, aws.ToBool(in.WithDecryption))
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/lookbook/kie": "kie-secret"}}
	kieKey := ""
	ykSecret := "from-env"
	botToken := ""

	secrets := []Secret{
		{Label: "KIE_API_KEY", Value: &kieKey, Param: "/lookbook/kie"},
		{Label: "YK_SECRET", Value: &ykSecret, Param: "/lookbook/yk"},
		{Label: "BOT_TOKEN", Value: &botToken},
	}
	if !NeedsSSM(secrets...) {
		t.Fatal("NeedsSSM = false")
	}
	if err := ResolveSecrets(context.Background(), api, secrets...); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if kieKey != "kie-secret" {
		t.Errorf("kieKey = %q", kieKey)
	}
	if ykSecret != "from-env" || botToken != "" {
		t.Errorf("untouched secrets changed: %q %q", ykSecret, botToken)
	}
	if len(api.calls) != 1 || !api.decr[0] {
		t.Errorf("calls = %v decrypt = %v", api.calls, api.decr)
	}
	if NeedsSSM(secrets...) {
		t.Error("NeedsSSM after resolve = true")
	}
}

func TestResolveSecretsError(t *testing.T) {
	api := &fakeSSM{values: map[string]string{}}
	v := ""
	err := ResolveSecrets(context.Background(), api, Secret{Label: "YK_SECRET", Value: &v, Param: "/missing"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestS3ArchiverDisabledWithoutBucket(t *testing.T) {
	if a := S3Archiver(aws.Config{}, ""); a != nil {
		t.Error("expected nil archiver")
	}
}
