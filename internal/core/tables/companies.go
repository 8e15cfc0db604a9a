package tables

import "github.com/JonMunkholm/cnpjsync/internal/core"

func init() {
	registerCompanies()
	registerEstablishments()
	registerPartners()
	registerSimples()
}

func text(name string) core.FieldSpec    { return core.FieldSpec{Name: name, Type: core.FieldText} }
func integer(name string) core.FieldSpec { return core.FieldSpec{Name: name, Type: core.FieldInteger} }
func float(name string) core.FieldSpec   { return core.FieldSpec{Name: name, Type: core.FieldFloat} }
func date(name string) core.FieldSpec    { return core.FieldSpec{Name: name, Type: core.FieldDate} }

func registerCompanies() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityCompany,
		Table:    "empresas",
		Label:    "Empresas",
		Prefixes: []string{"empresa"},
		Fields: []core.FieldSpec{
			text("cnpj_basico"),
			text("razao_social"),
			integer("natureza_juridica"),
			integer("qualificacao_do_responsavel"),
			float("capital_social"),
			text("porte_da_empresa"),
			text("ente_federativo_responsavel"),
		},
		Key:       []string{"cnpj_basico"},
		DependsOn: []core.EntityType{core.EntityLegalNature, core.EntityQualification},
		Indexes: []core.IndexSpec{
			{Name: "idx_empresas_razao_social_trgm", Columns: []string{"razao_social"}, Kind: core.IndexText},
			{Name: "idx_empresas_natureza_juridica", Columns: []string{"natureza_juridica"}},
		},
	})
}

func registerEstablishments() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityEstablishment,
		Table:    "estabelecimentos",
		Label:    "Estabelecimentos",
		Prefixes: []string{"estabelecimento"},
		Fields: []core.FieldSpec{
			text("cnpj_basico"),
			text("cnpj_ordem"),
			text("cnpj_dv"),
			integer("identificador_matriz_filial"),
			text("nome_fantasia"),
			integer("situacao_cadastral"),
			date("data_situacao_cadastral"),
			integer("motivo_situacao_cadastral"),
			text("nome_da_cidade_no_exterior"),
			integer("pais"),
			date("data_de_inicio_da_atividade"),
			integer("cnae_fiscal_principal"),
			text("cnae_fiscal_secundaria"),
			text("tipo_de_logradouro"),
			text("logradouro"),
			text("numero"),
			text("complemento"),
			text("bairro"),
			text("cep"),
			text("uf"),
			integer("municipio"),
			text("ddd1"),
			text("telefone1"),
			text("ddd2"),
			text("telefone2"),
			text("ddd_do_fax"),
			text("fax"),
			text("correio_eletronico"),
			text("situacao_especial"),
			date("data_da_situacao_especial"),
		},
		Key: []string{"cnpj_basico", "cnpj_ordem", "cnpj_dv"},
		DependsOn: []core.EntityType{
			core.EntityCompany, core.EntityCnae, core.EntityMotive,
			core.EntityMunicipality, core.EntityCountry,
		},
		Indexes: []core.IndexSpec{
			{Name: "idx_estabelecimentos_nome_fantasia_trgm", Columns: []string{"nome_fantasia"}, Kind: core.IndexText},
			{Name: "idx_estabelecimentos_cnpj_basico", Columns: []string{"cnpj_basico"}},
			{Name: "idx_estabelecimentos_cnae_fiscal_principal", Columns: []string{"cnae_fiscal_principal"}},
			{Name: "idx_estabelecimentos_municipio", Columns: []string{"municipio"}},
			{Name: "idx_estabelecimentos_uf_situacao", Columns: []string{"uf", "situacao_cadastral"}},
		},
	})
}

func registerPartners() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityPartner,
		Table:    "socios",
		Label:    "Sócios",
		Prefixes: []string{"socio"},
		Fields: []core.FieldSpec{
			text("cnpj_basico"),
			integer("identificador_de_socio"),
			text("nome_do_socio"),
			text("cnpj_ou_cpf_do_socio"),
			integer("qualificacao_do_socio"),
			date("data_de_entrada_sociedade"),
			integer("pais"),
			text("representante_legal"),
			text("nome_do_representante"),
			integer("qualificacao_do_representante_legal"),
			integer("faixa_etaria"),
		},
		// Partners have no natural key; rows are keyed by fingerprint
		DependsOn: []core.EntityType{core.EntityCompany, core.EntityQualification, core.EntityCountry},
		Indexes: []core.IndexSpec{
			{Name: "idx_socios_nome_do_socio_trgm", Columns: []string{"nome_do_socio"}, Kind: core.IndexText},
			{Name: "idx_socios_cnpj_basico", Columns: []string{"cnpj_basico"}},
			{Name: "idx_socios_cnpj_ou_cpf_do_socio", Columns: []string{"cnpj_ou_cpf_do_socio"}},
		},
	})
}

func registerSimples() {
	core.Register(core.EntityDefinition{
		Type:     core.EntitySimples,
		Table:    "simples",
		Label:    "Simples Nacional",
		Prefixes: []string{"simples"},
		Fields: []core.FieldSpec{
			text("cnpj_basico"),
			text("opcao_pelo_simples"),
			date("data_opcao_simples"),
			date("data_exclusao_simples"),
			text("opcao_pelo_mei"),
			date("data_opcao_mei"),
			date("data_exclusao_mei"),
		},
		Key:       []string{"cnpj_basico"},
		DependsOn: []core.EntityType{core.EntityCompany},
		Indexes: []core.IndexSpec{
			{Name: "idx_simples_opcao_pelo_mei", Columns: []string{"opcao_pelo_mei"}},
		},
	})
}
