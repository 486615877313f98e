package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"

	"github.com/loiht2/ml-platform-finetune-orchestrator/config"
	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/k8s"
	"github.com/loiht2/ml-platform-finetune-orchestrator/mlflow"
	"github.com/loiht2/ml-platform-finetune-orchestrator/runpod"
	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

// registerProviders builds a connector for every configured provider and returns
// the credentials to connect them with
func registerProviders(ctx context.Context, reg *connector.Registry, providers []config.ProviderConfig) (map[string]connector.Credentials, error) {
	creds := make(map[string]connector.Credentials, len(providers))
	for _, p := range providers {
		c, err := newConnector(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		if err := reg.Register(c); err != nil {
			return nil, err
		}
		creds[p.Name] = connector.Credentials(p.Credentials)
		logrus.WithFields(logrus.Fields{"provider": p.Name, "type": p.Type}).Info("Provider registered")
	}
	return creds, nil
}

func newConnector(ctx context.Context, p config.ProviderConfig) (connector.Connector, error) {
	log := logrus.WithField("component", "connector")
	switch p.Type {
	case config.ProviderKubernetes:
		return newKubernetesConnector(ctx, p.Name, p.Kubernetes, log)

	case config.ProviderRunPod:
		opts := runpod.Options{
			Name:              p.Name,
			BaseURL:           p.RunPod.BaseURL,
			Image:             p.RunPod.Image,
			CloudType:         p.RunPod.CloudType,
			RequestsPerSecond: p.RunPod.RequestsPerSecond,
			ArtifactPrefix:    p.RunPod.ArtifactPrefix,
			Log:               log,
		}
		if p.RunPod.Artifacts != nil {
			store, err := storage.NewMinIOClient(*p.RunPod.Artifacts)
			if err != nil {
				return nil, err
			}
			opts.Artifacts = store
		}
		return runpod.NewClient(opts), nil

	case config.ProviderMLflow:
		return mlflow.NewClient(mlflow.Options{
			Name:              p.Name,
			TrackingURI:       p.MLflow.TrackingURI,
			Experiment:        p.MLflow.Experiment,
			RequestsPerSecond: p.MLflow.RequestsPerSecond,
			Log:               log,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", p.Type)
}

func newKubernetesConnector(ctx context.Context, name string, kc *config.KubernetesConfig, log *logrus.Entry) (connector.Connector, error) {
	restCfg, err := config.KubeConfig(kc.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	conv := converter.NewConverter(converter.Options{
		Namespace:      kc.Namespace,
		Image:          kc.Image,
		ServiceAccount: kc.ServiceAccount,
		TTLAfterFinish: kc.TTLAfterFinish,
	})

	opts := k8s.Options{Name: name, ArtifactPrefix: kc.ArtifactPrefix, Log: log}
	if kc.MinIOSecret != "" {
		store, err := storage.NewMinIOClientFromSecret(ctx, clientset, conv.Namespace(), kc.MinIOSecret, kc.ArtifactBucket)
		if err != nil {
			return nil, err
		}
		opts.Artifacts = store
	}
	return k8s.NewClient(clientset, conv, opts), nil
}
