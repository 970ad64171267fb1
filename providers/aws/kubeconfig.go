package aws

import (
	"encoding/base64"
	"fmt"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// kubeconfig renders a kubeconfig for an EKS cluster. Credentials are not
// embedded; kubectl and client-go obtain a token through "aws eks get-token".
func kubeconfig(cluster, endpoint, caData, region, profile string) (string, error) {
	ca, err := base64.StdEncoding.DecodeString(caData)
	if err != nil {
		return "", fmt.Errorf("invalid certificate authority for cluster %s: %w", cluster, err)
	}

	args := []string{"eks", "get-token", "--cluster-name", cluster, "--region", region}
	var env []clientcmdapi.ExecEnvVar
	if profile != "" {
		env = append(env, clientcmdapi.ExecEnvVar{Name: "AWS_PROFILE", Value: profile})
	}

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[cluster] = &clientcmdapi.Cluster{
		Server:                   endpoint,
		CertificateAuthorityData: ca,
	}
	cfg.AuthInfos[cluster] = &clientcmdapi.AuthInfo{
		Exec: &clientcmdapi.ExecConfig{
			APIVersion:      "client.authentication.k8s.io/v1beta1",
			Command:         "aws",
			Args:            args,
			Env:             env,
			InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
		},
	}
	cfg.Contexts[cluster] = &clientcmdapi.Context{
		Cluster:  cluster,
		AuthInfo: cluster,
	}
	cfg.CurrentContext = cluster

	data, err := clientcmd.Write(*cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render kubeconfig: %w", err)
	}
	return string(data), nil
}
